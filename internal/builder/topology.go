package builder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// Topology is the YAML schema for a declared system: the statement of
// record the evidence is reconciled against.
type Topology struct {
	Name     string     `yaml:"name"`
	Networks []string   `yaml:"networks"`
	Data     []DataDecl `yaml:"data"`
	Hosts    []HostDecl `yaml:"hosts"`
}

// DataDecl declares sensitive data items.
type DataDecl struct {
	Names    []string `yaml:"names"`
	Personal bool     `yaml:"personal"`
	Password bool     `yaml:"password"`
}

// HostDecl declares one host with its addresses, services and connections.
type HostDecl struct {
	Name string `yaml:"name"`
	// Type is one of device, backend, mobile, browser, infra or any.
	Type               string        `yaml:"type"`
	HW                 []string      `yaml:"hw"`
	IP                 []string      `yaml:"ip"`
	DNS                []string      `yaml:"dns"`
	ExternalActivity   string        `yaml:"external_activity"`
	IgnoreNameRequests []string      `yaml:"ignore_name_requests"`
	Uses               []string      `yaml:"uses"`
	Serves             []string      `yaml:"serves"`
	Services           []ServiceDecl `yaml:"services"`
	Connects           []ConnectDecl `yaml:"connects"`
	// UpdatesFrom names hosts that serve software updates through an
	// already declared connection.
	UpdatesFrom []string `yaml:"updates_from"`
}

// ServiceDecl declares one service beyond the protocol defaults.
type ServiceDecl struct {
	Protocol      string `yaml:"protocol"`
	Port          *int   `yaml:"port"`
	Authenticated *bool  `yaml:"authenticated"`
}

// ConnectDecl declares a connection to another host's service.
type ConnectDecl struct {
	Host     string `yaml:"host"`
	Protocol string `yaml:"protocol"`
	Port     *int   `yaml:"port"`
}

// LoadTopology reads a topology file and builds the declared system model.
func LoadTopology(path string) (*model.System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	var topology Topology
	if err := yaml.Unmarshal(data, &topology); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return topology.Build()
}

// Build turns the declaration into a system model.
func (t *Topology) Build() (*model.System, error) {
	name := t.Name
	if name == "" {
		name = "system"
	}
	b := NewBuilder(name)
	for _, network := range t.Networks {
		b.Network(network)
	}

	dataByName := map[string]*model.SensitiveData{}
	for _, decl := range t.Data {
		for _, d := range b.Data(decl.Names, decl.Personal, decl.Password) {
			dataByName[d.Name] = d
		}
	}

	hosts := map[string]*HostBuilder{}
	for _, decl := range t.Hosts {
		h, err := t.buildHost(b, decl, dataByName)
		if err != nil {
			return nil, err
		}
		if _, dup := hosts[decl.Name]; dup {
			return nil, fmt.Errorf("host %q declared twice", decl.Name)
		}
		hosts[decl.Name] = h
	}

	// connections resolve after every host exists
	for _, decl := range t.Hosts {
		for _, connect := range decl.Connects {
			target, ok := hosts[connect.Host]
			if !ok {
				return nil, fmt.Errorf("host %q connects to undeclared host %q", decl.Name, connect.Host)
			}
			port := -1
			if connect.Port != nil {
				port = *connect.Port
			}
			hosts[decl.Name].ConnectTo(target.Service(model.Protocol(connect.Protocol), port))
		}
	}

	// update channels backtrack declared connections, so they resolve last
	for _, decl := range t.Hosts {
		for _, peer := range decl.UpdatesFrom {
			target, ok := hosts[peer]
			if !ok {
				return nil, fmt.Errorf("host %q updates from undeclared host %q", decl.Name, peer)
			}
			hosts[decl.Name].UpdatesFrom(target)
		}
	}

	return b.Finish()
}

func (t *Topology) buildHost(b *Builder, decl HostDecl, data map[string]*model.SensitiveData) (*HostBuilder, error) {
	var h *HostBuilder
	switch decl.Type {
	case "", "device":
		h = b.Device(decl.Name)
	case "backend":
		h = b.Backend(decl.Name)
	case "mobile":
		h = b.Mobile(decl.Name)
	case "browser":
		h = b.Browser(decl.Name)
	case "infra":
		h = b.Infra(decl.Name)
	case "any":
		h = b.Any(decl.Name)
	default:
		return nil, fmt.Errorf("host %q has unknown type %q", decl.Name, decl.Type)
	}

	for _, a := range decl.HW {
		h.HW(a)
	}
	for _, a := range decl.IP {
		h.IP(a)
	}
	for _, a := range decl.DNS {
		h.DNS(a)
	}
	if decl.ExternalActivity != "" {
		activity, err := model.ParseExternalActivity(decl.ExternalActivity)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", decl.Name, err)
		}
		h.ExternalActivity(activity)
	}
	if len(decl.IgnoreNameRequests) > 0 {
		h.IgnoreNameRequests(decl.IgnoreNameRequests...)
	}
	for _, name := range decl.Uses {
		d, ok := data[name]
		if !ok {
			return nil, fmt.Errorf("host %q uses undeclared data %q", decl.Name, name)
		}
		h.Uses(d)
	}

	for _, p := range decl.Serves {
		h.Serve(model.Protocol(p))
	}
	for _, svc := range decl.Services {
		port := -1
		if svc.Port != nil {
			port = *svc.Port
		}
		sb := h.Service(model.Protocol(svc.Protocol), port)
		if svc.Authenticated != nil {
			sb.Authenticated(*svc.Authenticated)
		}
	}
	return h, nil
}
