// Package perf decides how archives are loaded and bounds the in-memory
// state kept about them.
package perf

import (
	"net/url"
	"strconv"
)

const (
	MB = 1024 * 1024

	DefaultFullLoadLimit  = 50 * MB
	DefaultChunkThreshold = 10 * MB
	DefaultChunkSize      = 2 * MB
	DefaultLargeChunkSize = 5 * MB
	DefaultLargeArchive   = 100 * MB
)

// Archive describes an archive for policy decisions.
type Archive struct {
	Name string
	Size int64
	Type string
	URL  string
}

// Strategy is how an archive should be loaded.
type Strategy struct {
	Streaming bool  `json:"streaming"`
	UseChunks bool  `json:"useChunks"`
	ChunkSize int64 `json:"chunkSize"`
}

// Policy holds the size thresholds. The zero value uses the defaults.
type Policy struct {
	FullLoadLimit  int64 `yaml:"full_load_limit"`
	ChunkThreshold int64 `yaml:"chunk_threshold"`
	ChunkSize      int64 `yaml:"chunk_size"`
	LargeChunkSize int64 `yaml:"large_chunk_size"`
	LargeArchive   int64 `yaml:"large_archive"`
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		FullLoadLimit:  DefaultFullLoadLimit,
		ChunkThreshold: DefaultChunkThreshold,
		ChunkSize:      DefaultChunkSize,
		LargeChunkSize: DefaultLargeChunkSize,
		LargeArchive:   DefaultLargeArchive,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FullLoadLimit <= 0 {
		p.FullLoadLimit = d.FullLoadLimit
	}
	if p.ChunkThreshold <= 0 {
		p.ChunkThreshold = d.ChunkThreshold
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = d.ChunkSize
	}
	if p.LargeChunkSize <= 0 {
		p.LargeChunkSize = d.LargeChunkSize
	}
	if p.LargeArchive <= 0 {
		p.LargeArchive = d.LargeArchive
	}
	return p
}

// Strategy returns the loading strategy for an archive of size bytes.
func (p Policy) Strategy(size int64) Strategy {
	p = p.withDefaults()
	s := Strategy{
		Streaming: size > p.FullLoadLimit,
		UseChunks: size > p.ChunkThreshold,
		ChunkSize: p.ChunkSize,
	}
	if s.UseChunks && size > p.LargeArchive {
		s.ChunkSize = p.LargeChunkSize
	}
	return s
}

// StrategyFor is Strategy for an optional archive. A nil archive loads
// fully with the default chunk size.
func (p Policy) StrategyFor(a *Archive) Strategy {
	if a == nil {
		return Strategy{ChunkSize: p.withDefaults().ChunkSize}
	}
	return p.Strategy(a.Size)
}

// OptimizeURL adds loading hints for a to rawURL. Unparseable or empty
// URLs are returned unchanged.
func (p Policy) OptimizeURL(rawURL string, a *Archive) string {
	if rawURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return rawURL
	}

	s := p.StrategyFor(a)
	q := u.Query()
	if s.Streaming {
		q.Set("stream", "true")
	}
	if s.UseChunks {
		q.Set("useChunks", "true")
		q.Set("chunkSize", strconv.FormatInt(s.ChunkSize, 10))
	}
	q.Set("cache", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

// Chunks splits size bytes into consecutive [start, end] ranges of at most
// chunkSize bytes, inclusive on both ends like an HTTP Range header.
func Chunks(size, chunkSize int64) [][2]int64 {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	ranges := make([][2]int64, 0, (size+chunkSize-1)/chunkSize)
	for start := int64(0); start < size; start += chunkSize {
		end := min(start+chunkSize, size) - 1
		ranges = append(ranges, [2]int64{start, end})
	}
	return ranges
}
