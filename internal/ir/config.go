package ir

import "strings"

// Environment holds the account a deployment is provisioned into.
type Environment struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	AccountID       string `json:"aws_account_id"`
	Region          string `json:"aws_region"`
	AccessKeyID     string `json:"aws_access_key_id"`
	SecretAccessKey string `json:"-"`
}

// ResolvedEnvironment is an Environment with its network addressing looked up.
type ResolvedEnvironment struct {
	AccountID         string
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	AvailabilityZones []string
	HostedZoneID      string
	DNSDomain         string
}

// DNSName returns the record name a deployment is published under, or ""
// when the environment has no DNS domain.
func (r *ResolvedEnvironment) DNSName(deployment string) string {
	if r.DNSDomain == "" {
		return ""
	}
	return strings.ToLower(deployment) + "." + strings.TrimSuffix(r.DNSDomain, ".")
}

// Product describes the application installed on a deployment's instance.
type Product struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Version            string `json:"version"`
	RepositoryURL      string `json:"repository_url"`
	RepositoryUsername string `json:"repository_username"`
	RepositoryPassword string `json:"-"`
}

// HasRegistryCredentials reports whether a registry login is required.
func (p *Product) HasRegistryCredentials() bool {
	return p.RepositoryUsername != "" && p.RepositoryPassword != ""
}

// Well known override and property names.
const (
	OverrideInstanceClass    = "instance_class"
	OverrideInstanceSize     = "instance_size"
	OverrideDiskSize         = "disk_size"
	OverridePropertiesBase64 = "properties_base64"

	PropertyPrivateKeySecret = "private_key_secret_arn"
	PropertySSHHost          = "ssh_host"
)
