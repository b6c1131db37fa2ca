package loader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// flowRecord is one line of a JSON flow log.
type flowRecord struct {
	Protocol  string        `json:"protocol"`
	Source    flowEndRecord `json:"source"`
	Target    flowEndRecord `json:"target"`
	Timestamp string        `json:"timestamp,omitempty"`
}

type flowEndRecord struct {
	HW   string `json:"hw,omitempty"`
	IP   string `json:"ip,omitempty"`
	Port *int   `json:"port,omitempty"`
}

func (e flowEndRecord) end() (model.FlowEnd, error) {
	var end model.FlowEnd
	end.Port = -1
	if e.Port != nil {
		end.Port = *e.Port
	}
	if e.HW != "" {
		hw, err := model.NewHardwareAddress(e.HW)
		if err != nil {
			return end, err
		}
		end.HW = hw
	}
	if e.IP != "" {
		ip, err := model.NewIPAddress(e.IP)
		if err != nil {
			return end, err
		}
		end.IP = ip
	}
	return end, nil
}

// FlowLogReader reads a flow log with one JSON event per line. Blank lines
// and # comments are allowed.
type FlowLogReader struct {
	path   string
	source *model.EvidenceSource
	logger zerolog.Logger
}

// NewFlowLogReader creates a reader; the evidence source is named after the
// log file.
func NewFlowLogReader(path string, logger zerolog.Logger) *FlowLogReader {
	return &FlowLogReader{
		path:   path,
		source: model.NewEvidenceSource(filepath.Base(path)),
		logger: logger.With().Str("component", "flowlog").Str("file", path).Logger(),
	}
}

// Source returns the evidence source all loaded events carry.
func (r *FlowLogReader) Source() *model.EvidenceSource { return r.source }

// Load reads the log file and pushes its flows into the sink.
func (r *FlowLogReader) Load(sink EventSink) (Stats, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open flow log: %w", err)
	}
	defer f.Close()
	return r.read(f, sink)
}

func (r *FlowLogReader) read(in io.Reader, sink EventSink) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var rec flowRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return stats, fmt.Errorf("flow log line %d: %w", line, err)
		}
		flow, err := rec.flow()
		if err != nil {
			return stats, fmt.Errorf("flow log line %d: %w", line, err)
		}
		flow.Evidence = r.source
		sink.Connection(flow)
		stats.Flows++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read flow log: %w", err)
	}
	r.logger.Info().Int("flows", stats.Flows).Msg("flow log loaded")
	return stats, nil
}

func (rec flowRecord) flow() (model.Flow, error) {
	var flow model.Flow
	if rec.Protocol == "" {
		return flow, fmt.Errorf("missing protocol")
	}
	flow.Protocol = model.Protocol(rec.Protocol)
	var err error
	if flow.Source, err = rec.Source.end(); err != nil {
		return flow, err
	}
	if flow.Target, err = rec.Target.end(); err != nil {
		return flow, err
	}
	if flow.Source.BestAddress().IsNull() || flow.Target.BestAddress().IsNull() {
		return flow, fmt.Errorf("flow end without any address")
	}
	if rec.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			return flow, fmt.Errorf("bad timestamp: %w", err)
		}
		flow.Timestamp = ts
	}
	return flow, nil
}
