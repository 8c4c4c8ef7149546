package ir

import "time"

// Property is a name/value pair, used both for request overrides and for
// facts discovered while provisioning.
type Property struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// ResourceProperty is a persisted Property attached to one deployment.
type ResourceProperty struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Name         string    `json:"name"`
	Value        string    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeploymentRequest is the caller supplied description of a deployment.
type DeploymentRequest struct {
	Name              string     `json:"name"`
	EnvironmentID     int64      `json:"environment_id"`
	StackID           int64      `json:"stack_id"`
	ProductID         int64      `json:"product_id"`
	StackProperties   []Property `json:"stack_properties,omitempty"`
	ProductProperties []Property `json:"product_properties,omitempty"`
}

// Deployment is the durable record the orchestrator drives through its
// lifecycle.
type Deployment struct {
	ID int64 `json:"id"`
	DeploymentRequest
	Status     Status             `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	DeletedAt  *time.Time         `json:"deleted_at,omitempty"`
	Properties []ResourceProperty `json:"properties,omitempty"`
}

// LatestProperty returns the most recently appended value for name.
func (d *Deployment) LatestProperty(name string) (string, bool) {
	for i := len(d.Properties) - 1; i >= 0; i-- {
		if d.Properties[i].Name == name {
			return d.Properties[i].Value, true
		}
	}
	return "", false
}

// StackOverride returns the request's stack property override for name.
func (d *DeploymentRequest) StackOverride(name string) (string, bool) {
	return lookup(d.StackProperties, name)
}

// ProductOverride returns the request's product property override for name.
func (d *DeploymentRequest) ProductOverride(name string) (string, bool) {
	return lookup(d.ProductProperties, name)
}

func lookup(props []Property, name string) (string, bool) {
	for _, p := range props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
