package ir

import "time"

// TemplateParams are the inputs of template synthesis.
type TemplateParams struct {
	StackName        string
	PublicKey        string
	PrivateKeyBase64 string
	Environment      ResolvedEnvironment
	VPCCIDR          string
	InstanceClass    string
	InstanceSize     string
	DiskSize         string
}

// Well known stack output keys.
const (
	OutputStackID             = "StackId"
	OutputInstanceID          = "InstanceId"
	OutputInstancePublicIP    = "InstancePublicIp"
	OutputInstancePublicDNS   = "InstancePublicDnsName"
	OutputAvailabilityZone    = "InstanceAvailabilityZone"
	OutputDNSRecordFQDN       = "DnsRecordFqdn"
	OutputPrivateKeySecretARN = "PrivateKeySecretArn"
)

// StackOutput is one key/value output of an applied stack.
type StackOutput struct {
	Key   string
	Value string
}

// StackDescription is the provider's view of a stack.
type StackDescription struct {
	ID      string
	Name    string
	Status  string
	Reason  string
	Outputs []StackOutput
}

// StackEvent is a single resource event, used for failure diagnostics.
type StackEvent struct {
	Timestamp    time.Time
	LogicalID    string
	ResourceType string
	Status       string
	Reason       string
}

// TemplateBody carries a rendered template either inline or by URL.
type TemplateBody struct {
	Body string
	URL  string
}
