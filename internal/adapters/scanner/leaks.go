package scanner

import (
	"context"
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Leak is one secret found in a file.
type Leak struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	File        string `json:"file"`
	StartLine   int    `json:"start_line"`
}

// Detector wraps gitleaks. Detectors are not safe for concurrent use, so
// each goroutine borrows its own from a pool.
type Detector struct {
	pool sync.Pool
	mx   sync.Mutex
}

func NewDetector() (*Detector, error) {
	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	d := &Detector{}
	d.pool = sync.Pool{
		New: func() any {
			d.mx.Lock()
			defer d.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	d.pool.Put(first)
	return d, nil
}

// Detect is safe to be called from multiple goroutines.
func (d *Detector) Detect(ctx context.Context, b []byte, path string) ([]Leak, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detector := d.pool.Get().(*detect.Detector)
	defer d.pool.Put(detector)

	var ret []Leak
	for _, finding := range detector.DetectString(string(b)) {
		ret = append(ret, Leak{
			RuleID:      finding.RuleID,
			Description: finding.Description,
			File:        path,
			StartLine:   finding.StartLine,
		})
	}
	return ret, nil
}
