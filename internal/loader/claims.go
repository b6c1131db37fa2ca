package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// ClaimsFile is the YAML schema for manual claims and imported tool output:
// property verdicts, scan results and name resolutions asserted outside of
// traffic captures.
type ClaimsFile struct {
	// Authority applies to all claims in the file; "Manual" unless set to
	// "Tool" for imported scanner output.
	Authority string       `yaml:"authority"`
	Claims    []ClaimEntry `yaml:"claims"`
	Scans     ScanEntries  `yaml:"scans"`
	Names     []NameEntry  `yaml:"names"`
}

// ClaimEntry asserts one property verdict at an entity.
type ClaimEntry struct {
	At          string `yaml:"at"`  // address, optionally "/transport:port"
	Key         string `yaml:"key"` // property key, e.g. "check:encryption"
	Verdict     string `yaml:"verdict"`
	Explanation string `yaml:"explanation"`
}

// ScanEntries carries nmap-style scan evidence.
type ScanEntries struct {
	Services []ServiceScanEntry `yaml:"services"`
	Hosts    []HostScanEntry    `yaml:"hosts"`
}

// ServiceScanEntry reports one service found open.
type ServiceScanEntry struct {
	Endpoint string `yaml:"endpoint"` // "address/transport:port"
	Name     string `yaml:"name"`
}

// HostScanEntry reports the complete endpoint set a host scan found.
type HostScanEntry struct {
	Host      string   `yaml:"host"`
	Endpoints []string `yaml:"endpoints"`
}

// NameEntry reports a known name resolution.
type NameEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ClaimsReader loads a YAML claims file into evidence events.
type ClaimsReader struct {
	path   string
	source *model.EvidenceSource
	logger zerolog.Logger
}

// NewClaimsReader creates a reader; the evidence source is named after the
// claims file.
func NewClaimsReader(path string, logger zerolog.Logger) *ClaimsReader {
	return &ClaimsReader{
		path:   path,
		source: model.NewEvidenceSource(filepath.Base(path)),
		logger: logger.With().Str("component", "claims").Str("file", path).Logger(),
	}
}

// Source returns the evidence source all loaded events carry.
func (r *ClaimsReader) Source() *model.EvidenceSource { return r.source }

// Load parses the file and pushes its events into the sink.
func (r *ClaimsReader) Load(sink EventSink) (Stats, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read claims file: %w", err)
	}
	var file ClaimsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Stats{}, fmt.Errorf("failed to parse claims file: %w", err)
	}
	return r.apply(file, sink)
}

func (r *ClaimsReader) apply(file ClaimsFile, sink EventSink) (Stats, error) {
	var stats Stats
	authority := model.AuthorityManual
	switch file.Authority {
	case "", string(model.AuthorityManual):
	case string(model.AuthorityTool):
		authority = model.AuthorityTool
	default:
		return stats, fmt.Errorf("unknown authority %q", file.Authority)
	}

	for _, claim := range file.Claims {
		address, err := model.ParseEndpoint(claim.At)
		if err != nil {
			return stats, fmt.Errorf("claim at %q: %w", claim.At, err)
		}
		verdict, err := model.ParseVerdict(claim.Verdict)
		if err != nil {
			return stats, fmt.Errorf("claim at %q: %w", claim.At, err)
		}
		if _, err := sink.PropertyUpdate(model.PropertyEvent{
			Address:     address,
			Key:         model.PropertyKey(claim.Key),
			Verdict:     verdict,
			Explanation: claim.Explanation,
			Authority:   authority,
			Evidence:    r.source,
		}); err != nil {
			return stats, fmt.Errorf("claim at %q: %w", claim.At, err)
		}
		stats.Properties++
	}

	for _, scan := range file.Scans.Services {
		endpoint, err := parseEndpointAddress(scan.Endpoint)
		if err != nil {
			return stats, fmt.Errorf("service scan %q: %w", scan.Endpoint, err)
		}
		sink.ServiceScan(model.ServiceScanEvent{
			Endpoint: endpoint, ServiceName: scan.Name, Evidence: r.source,
		})
		stats.Scans++
	}
	for _, scan := range file.Scans.Hosts {
		host, err := model.ParseAddress(scan.Host)
		if err != nil {
			return stats, fmt.Errorf("host scan %q: %w", scan.Host, err)
		}
		endpoints := make([]model.EndpointAddress, 0, len(scan.Endpoints))
		for _, e := range scan.Endpoints {
			ep, err := parseEndpointAddress(e)
			if err != nil {
				return stats, fmt.Errorf("host scan %q: %w", scan.Host, err)
			}
			endpoints = append(endpoints, ep)
		}
		sink.HostScan(model.HostScanEvent{Host: host, Endpoints: endpoints, Evidence: r.source})
		stats.Scans++
	}

	for _, name := range file.Names {
		var address model.Address
		if name.Address != "" {
			a, err := model.ParseAddress(name.Address)
			if err != nil {
				return stats, fmt.Errorf("name %q: %w", name.Name, err)
			}
			address = a
		}
		sink.Name(model.NameEvent{
			Name: model.NewDNSName(name.Name), Address: address, Evidence: r.source,
		})
		stats.Names++
	}

	r.logger.Info().Int("properties", stats.Properties).Int("scans", stats.Scans).
		Int("names", stats.Names).Msg("claims loaded")
	return stats, nil
}

func parseEndpointAddress(value string) (model.EndpointAddress, error) {
	a, err := model.ParseEndpoint(value)
	if err != nil {
		return model.EndpointAddress{}, err
	}
	ep, ok := a.(model.EndpointAddress)
	if !ok {
		return model.EndpointAddress{}, fmt.Errorf("%w: %q lacks transport and port", model.ErrBadAddress, value)
	}
	return ep, nil
}
