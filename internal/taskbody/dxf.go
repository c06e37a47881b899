package taskbody

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"blueprintr/extraction-service/internal/classify"
)

// DXFResult summarizes the entities found in a DXF drawing.
type DXFResult struct {
	Entities     int            `json:"entities"`
	EntityCounts map[string]int `json:"entity_counts"`
	Layers       []string       `json:"layers"`
}

// DXF walks a DXF file's tagged group-code pairs and tallies entities and
// layers. It is deliberately shallow: geometry semantics belong to the
// downstream consumers, the queue only needs a representative body.
type DXF struct{}

// NewDXF creates the DXF task body.
func NewDXF() *DXF { return &DXF{} }

var _ TaskBody = (*DXF)(nil)

func (d *DXF) Execute(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error) {
	f, err := os.Open(in.Ref)
	if err != nil {
		// Unclassified: default-retryable, same reasoning as the PDF body.
		return nil, fmt.Errorf("open %s: %w", in.Ref, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", in.Ref, err)
	}
	totalSize := info.Size()

	result := DXFResult{EntityCounts: make(map[string]int)}
	layers := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		read       int64
		inEntities bool
		lastCode   string
		haveCode   bool
		sawSection bool
	)
	// Each report lands as a store heartbeat; only fire when the integer
	// percentage moves, not once per group-code pair.
	lastPct := -1

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		read += int64(len(line)) + 1

		if !haveCode {
			lastCode = line
			haveCode = true
			continue
		}
		haveCode = false
		code, value := lastCode, line

		switch {
		case code == "2" && value == "ENTITIES":
			inEntities = true
			sawSection = true
		case code == "0" && value == "ENDSEC":
			inEntities = false
		case inEntities && code == "0" && value != "SECTION":
			result.Entities++
			result.EntityCounts[value]++
		case inEntities && code == "8":
			layers[value] = true
		}

		if totalSize > 0 {
			if pct := int(read * 100 / totalSize); pct != lastPct {
				lastPct = pct
				report(pct)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", in.Ref, err)
	}

	// Dangling group code or no recognizable sections: not a DXF we can
	// ever parse, so fail permanently.
	if haveCode || !sawSection {
		return nil, classify.Permanent(fmt.Errorf("%w: %s has no well-formed ENTITIES section", classify.ErrCorruptFile, in.Ref))
	}

	for layer := range layers {
		result.Layers = append(result.Layers, layer)
	}
	sort.Strings(result.Layers)

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode dxf result: %w", err)
	}
	return encoded, nil
}
