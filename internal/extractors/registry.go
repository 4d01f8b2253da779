package extractors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"curator/internal/services"
)

// sniffLen is how many leading bytes Detect reads for magic-byte matching.
const sniffLen = 16

// Extractor reads instrument metadata and imaging data from one file format.
// Implementations must treat source files as read-only.
type Extractor interface {
	// Name is the stable format signature recorded on extraction results.
	Name() string
	// Extensions lists lower-case filename extensions (with dot) used as a
	// fallback when magic-byte sniffing is inconclusive.
	Extensions() []string
	// Sniff reports whether the leading bytes identify this format. Magic
	// bytes win over extensions; instrument software is sloppy about the
	// latter.
	Sniff(header []byte) bool
	// SupportsImaging reports whether the format can yield raw imaging data
	// for thumbnailing, independent of metadata extraction success.
	SupportsImaging() bool
	// Extract reads the file. Parse problems are downgraded to partial
	// results with warnings; only I/O-level failures return an error.
	Extract(ctx context.Context, path string) (*Metadata, error)
}

// Registry maps format signatures to extractors. It is populated once at
// process start and immutable afterwards.
type Registry struct {
	extractors []Extractor
	byExt      map[string]Extractor
	frozen     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Extractor)}
}

// DefaultRegistry returns a registry with every built-in extractor
// registered: DigitalMicrograph (dm3/dm4), FEI/Thermo TIFF, and TIA SER.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewDigitalMicrographExtractor())
	r.MustRegister(NewFEITIFFExtractor())
	r.MustRegister(NewSERExtractor())
	r.Freeze()
	return r
}

// Register adds an extractor. Registration order decides sniff precedence.
func (r *Registry) Register(e Extractor) error {
	if r.frozen {
		return errors.New("registry is frozen")
	}
	if e == nil {
		return errors.New("extractor is nil")
	}
	for _, ext := range e.Extensions() {
		key := strings.ToLower(ext)
		if _, dup := r.byExt[key]; dup {
			return fmt.Errorf("extension %s already registered", key)
		}
		r.byExt[key] = e
	}
	r.extractors = append(r.extractors, e)
	return nil
}

// MustRegister panics on registration failure; used for built-ins.
func (r *Registry) MustRegister(e Extractor) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Freeze marks the registration lifecycle complete.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Detect selects the extractor for a file: magic bytes first, extension
// fallback second. Returns nil when no extractor matches.
func (r *Registry) Detect(path string) Extractor {
	header := make([]byte, sniffLen)
	if file, err := os.Open(path); err == nil {
		n, readErr := io.ReadFull(file, header)
		file.Close()
		if readErr == nil || errors.Is(readErr, io.ErrUnexpectedEOF) {
			for _, e := range r.extractors {
				if e.Sniff(header[:n]) {
					return e
				}
			}
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	return r.byExt[ext]
}

// Extract runs extraction for one file. Unknown formats produce an
// unsupported-format result with sentinel fields; parse failures produce a
// partial result with a warning. Neither is an error: only respecting
// context cancellation aborts.
func (r *Registry) Extract(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extractor := r.Detect(path)
	if extractor == nil {
		return NewMetadata(Unknown, StatusUnsupported), nil
	}

	type outcome struct {
		meta *Metadata
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		meta, err := extractor.Extract(ctx, path)
		done <- outcome{meta, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "extractors", "extract",
				"extraction timed out for "+filepath.Base(path), ctx.Err())
		}
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			meta := NewMetadata(extractor.Name(), StatusPartial)
			meta.Warn(fmt.Sprintf("extraction failed: %v", out.err))
			return meta, nil
		}
		if out.meta == nil {
			meta := NewMetadata(extractor.Name(), StatusPartial)
			meta.Warn("extractor returned no result")
			return meta, nil
		}
		return out.meta, nil
	}
}
