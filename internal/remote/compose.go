package remote

import (
	"fmt"
	"path"

	"gopkg.in/yaml.v3"
)

// ComposeOptions shapes the compose file for the application host.
type ComposeOptions struct {
	AppService     string
	AppImage       string
	AppPorts       []int
	AdminPort      int
	FHIRPort       int
	Databases      []string
	DatabaseImage  string
	ProxyImage     string
	CertbotImage   string
	CertbotEmail   string
	HomeDir        string
	PropertiesFile string
	PropertiesPath string
	Network        string
}

// DefaultComposeOptions mirrors the single-node application layout.
func DefaultComposeOptions() ComposeOptions {
	return ComposeOptions{
		AppService:     "smilecdr",
		AppImage:       "docker.smilecdr.com/smilecdr",
		AppPorts:       []int{8000, 8001, 8002, 9000, 9100, 9200, 9201},
		AdminPort:      9100,
		FHIRPort:       8000,
		Databases:      []string{"clustermgr", "persistence", "audit", "transaction"},
		DatabaseImage:  "postgres:17",
		ProxyImage:     "nginx:stable-alpine",
		CertbotImage:   "certbot/certbot",
		CertbotEmail:   "admin@relationaldba.com",
		HomeDir:        "/home/ec2-user",
		PropertiesFile: "cdr-config-Master.properties",
		PropertiesPath: "/home/smile/smilecdr/classes/cdr-config-Master.properties",
		Network:        "smilecdr",
	}
}

// ComposeFile is the subset of the compose file format that is rendered.
type ComposeFile struct {
	Services map[string]ComposeService `yaml:"services"`
	Volumes  map[string]struct{}       `yaml:"volumes,omitempty"`
	Networks map[string]ComposeNetwork `yaml:"networks,omitempty"`
}

type ComposeService struct {
	Image         string                      `yaml:"image"`
	ContainerName string                      `yaml:"container_name"`
	Hostname      string                      `yaml:"hostname,omitempty"`
	Restart       string                      `yaml:"restart,omitempty"`
	Command       string                      `yaml:"command,omitempty"`
	Ports         []string                    `yaml:"ports,omitempty"`
	Environment   []string                    `yaml:"environment,omitempty"`
	Volumes       []string                    `yaml:"volumes,omitempty"`
	DependsOn     map[string]ComposeCondition `yaml:"depends_on,omitempty"`
	Healthcheck   *ComposeHealthcheck         `yaml:"healthcheck,omitempty"`
	Networks      []string                    `yaml:"networks,omitempty"`
}

type ComposeCondition struct {
	Condition string `yaml:"condition"`
}

type ComposeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type ComposeNetwork struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
}

// BuildCompose assembles the compose file for one application version
// served under domain.
func (o ComposeOptions) BuildCompose(version, domain string) *ComposeFile {
	certs := path.Join(o.HomeDir, "letsencrypt")
	f := &ComposeFile{
		Services: make(map[string]ComposeService),
		Volumes:  make(map[string]struct{}),
		Networks: map[string]ComposeNetwork{o.Network: {Name: o.Network, Driver: "bridge"}},
	}

	appDeps := make(map[string]ComposeCondition)
	for i, db := range o.Databases {
		name := "pgsql-" + db
		f.Volumes[name] = struct{}{}
		f.Services[name] = ComposeService{
			Image:         o.DatabaseImage,
			ContainerName: name,
			Hostname:      name,
			Restart:       "unless-stopped",
			Ports:         []string{fmt.Sprintf("%d:5432", 5432+i)},
			Environment: []string{
				"POSTGRES_DB=" + db,
				"POSTGRES_USER=postgres",
				"POSTGRES_PASSWORD=postgres",
				"PGDATA=/var/lib/postgresql/data",
			},
			Volumes: []string{name + ":/var/lib/postgresql/data"},
			Healthcheck: &ComposeHealthcheck{
				Test:     []string{"CMD-SHELL", "pg_isready --username=postgres"},
				Interval: "1s",
				Timeout:  "1s",
				Retries:  30,
			},
			Networks: []string{o.Network},
		}
		appDeps[name] = ComposeCondition{Condition: "service_healthy"}
	}

	ports := make([]string, 0, len(o.AppPorts))
	for _, p := range o.AppPorts {
		ports = append(ports, fmt.Sprintf("%d:%d", p, p))
	}
	f.Services[o.AppService] = ComposeService{
		Image:         o.AppImage + ":" + version,
		ContainerName: o.AppService,
		Hostname:      o.AppService,
		Restart:       "unless-stopped",
		Ports:         ports,
		Volumes:       []string{"./" + o.PropertiesFile + ":" + o.PropertiesPath},
		DependsOn:     appDeps,
		Networks:      []string{o.Network},
	}

	f.Services["certbot"] = ComposeService{
		Image:         o.CertbotImage,
		ContainerName: "certbot",
		Command:       fmt.Sprintf("certonly --non-interactive --keep-until-expiring --agree-tos --standalone --email %s -d %s", o.CertbotEmail, domain),
		Ports:         []string{"80:80"},
		Volumes: []string{
			certs + ":/etc/letsencrypt",
			path.Join(o.HomeDir, "certbot-logs") + ":/var/log/letsencrypt",
		},
	}

	f.Services["nginx"] = ComposeService{
		Image:         o.ProxyImage,
		ContainerName: "nginx",
		Hostname:      "nginx",
		Restart:       "always",
		Ports:         []string{"443:443"},
		Volumes: []string{
			path.Join(o.HomeDir, "nginx.conf") + ":/etc/nginx/nginx.conf:ro",
			certs + ":/etc/letsencrypt:ro",
		},
		DependsOn: map[string]ComposeCondition{
			o.AppService: {Condition: "service_started"},
			"certbot":    {Condition: "service_completed_successfully"},
		},
		Networks: []string{o.Network},
	}
	return f
}

// Render marshals the compose file to YAML.
func (f *ComposeFile) Render() (string, error) {
	out, err := yaml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to render compose file: %w", err)
	}
	return string(out), nil
}

// ContainerNames returns the containers expected to keep running.
func (o ComposeOptions) ContainerNames() []string {
	names := make([]string, 0, len(o.Databases)+2)
	for _, db := range o.Databases {
		names = append(names, "pgsql-"+db)
	}
	return append(names, o.AppService, "nginx")
}
