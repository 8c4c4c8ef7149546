package remote

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed assets/baseline.properties assets/nginx.conf.tmpl
var assets embed.FS

const (
	baselineFile = "baseline.properties"
	nginxFile    = "nginx.conf.tmpl"
)

// Bundle is the set of documents and settings rendered onto a host. It is
// injected into the Provisioner at construction.
type Bundle struct {
	BaselineProperties string
	NginxTemplate      string
	Compose            ComposeOptions
	// BaselineImages are pulled while installing the container runtime.
	BaselineImages []string
	// ComposePluginURL is fetched into the docker CLI plugin directory.
	ComposePluginURL string
}

// DefaultBundle returns the bundle built from the embedded assets.
func DefaultBundle() (*Bundle, error) {
	baseline, err := assets.ReadFile("assets/" + baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded baseline: %w", err)
	}
	nginx, err := assets.ReadFile("assets/" + nginxFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded nginx template: %w", err)
	}
	return &Bundle{
		BaselineProperties: string(baseline),
		NginxTemplate:      string(nginx),
		Compose:            DefaultComposeOptions(),
		BaselineImages:     []string{"postgres:17", "nginx:stable-alpine"},
		ComposePluginURL:   "https://github.com/docker/compose/releases/latest/download/docker-compose-linux-$(uname -m)",
	}, nil
}

// LoadBundle returns the default bundle with documents replaced by any of
// baseline.properties and nginx.conf.tmpl found in dir.
func LoadBundle(dir string) (*Bundle, error) {
	b, err := DefaultBundle()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return b, nil
	}

	for name, dst := range map[string]*string{
		baselineFile: &b.BaselineProperties,
		nginxFile:    &b.NginxTemplate,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		*dst = string(data)
	}
	return b, nil
}

// Baseline parses the baseline properties document.
func (b *Bundle) Baseline() (*Profile, error) {
	p, err := ParseProfile(b.BaselineProperties)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline properties: %w", err)
	}
	return p, nil
}

type nginxData struct {
	Domain    string
	Upstream  string
	AdminPort int
	FHIRPort  int
}

// RenderNginx renders the reverse proxy configuration for domain.
func (b *Bundle) RenderNginx(domain string) (string, error) {
	tmpl, err := template.New("nginx").Option("missingkey=error").Parse(b.NginxTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse nginx template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, nginxData{
		Domain:    domain,
		Upstream:  b.Compose.AppService,
		AdminPort: b.Compose.AdminPort,
		FHIRPort:  b.Compose.FHIRPort,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render nginx template: %w", err)
	}
	return buf.String(), nil
}
