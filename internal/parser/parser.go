// Package parser turns blackout-rendition manifests into an ordered, typed
// segment timeline.
package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/cenkalti/backoff/v5"
	"github.com/grafov/m3u8"
)

const (
	durationDirective = "#EXTINF:"
	masterDirective   = "#EXT-X-STREAM-INF"
	headerTag         = "#EXTM3U"
	byteOrderMark     = "\ufeff"
)

// DefaultBlackoutPattern matches segment references produced for blackout slates.
var DefaultBlackoutPattern = regexp.MustCompile(`(?i)blackout`)

// Options controls classification and URL resolution.
type Options struct {
	// BlackoutPatterns classify a segment as blackout when any of them matches
	// the base name of its reference. DefaultBlackoutPattern is used when empty.
	BlackoutPatterns []*regexp.Regexp

	// BaseURL resolves relative segment references. Left unresolved when empty.
	BaseURL string
}

// Manifest is the parsed blackout-rendition manifest.
type Manifest struct {
	// Segments is the timeline, index 0 starting at time 0
	Segments []segment.Segment

	// Total is the sum of all segment durations in seconds
	Total float64

	// TargetDuration is the EXT-X-TARGETDURATION value (0 if absent)
	TargetDuration int

	// Ended is true when the manifest carries EXT-X-ENDLIST
	Ended bool

	// PlaylistType is "VOD", "EVENT" or empty
	PlaylistType string
}

// entry is a duration directive paired with its segment reference.
type entry struct {
	duration float64
	uri      string
	line     int
}

// Parse parses manifest text. Structural errors abort parsing and no
// partial timeline is returned. A manifest without segments is valid.
func Parse(text string, opts Options) (*Manifest, error) {
	text = strings.TrimPrefix(text, byteOrderMark)

	entries, err := scan(strings.NewReader(text))
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return &Manifest{Segments: []segment.Segment{}}, nil
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return nil, playerr.New(playerr.KindParse, "parse", "decode playlist", err)
	}
	if listType != m3u8.MEDIA {
		return nil, playerr.New(playerr.KindParse, "parse", "expected media playlist", nil)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, playerr.New(playerr.KindParse, "parse", "unexpected playlist type", nil)
	}

	decoded := 0
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		decoded++
	}
	if decoded != len(entries) {
		return nil, playerr.New(playerr.KindParse, "parse",
			fmt.Sprintf("decoder found %d segments, expected %d", decoded, len(entries)), nil)
	}

	patterns := opts.BlackoutPatterns
	if len(patterns) == 0 {
		patterns = []*regexp.Regexp{DefaultBlackoutPattern}
	}

	segments := make([]segment.Segment, 0, len(entries))
	var start float64
	for i, e := range entries {
		uri := e.uri
		if opts.BaseURL != "" {
			resolved, err := resolveURL(opts.BaseURL, e.uri)
			if err != nil {
				return nil, playerr.New(playerr.KindParse, "parse",
					fmt.Sprintf("line %d: resolve segment reference", e.line), err)
			}
			uri = resolved
		}

		kind := segment.Normal
		if isBlackout(e.uri, patterns) {
			kind = segment.Blackout
		}

		segments = append(segments, segment.Segment{
			Index:    i,
			Start:    start,
			End:      start + e.duration,
			Duration: e.duration,
			Kind:     kind,
			URI:      uri,
		})
		start += e.duration
	}

	m := &Manifest{
		Segments:       segments,
		Total:          start,
		TargetDuration: int(media.TargetDuration),
		Ended:          media.Closed,
	}
	switch media.MediaType {
	case m3u8.VOD:
		m.PlaylistType = "VOD"
	case m3u8.EVENT:
		m.PlaylistType = "EVENT"
	}

	return m, nil
}

// scan walks the manifest line by line and pairs every duration directive
// with the segment reference that follows it. The decoder silently drops
// orphan directives and references, so pairing is checked here.
func scan(r io.Reader) ([]entry, error) {
	scanner := bufio.NewScanner(r)

	var (
		entries    []entry
		pending    bool
		pendingDur float64
		pendingAt  int
		lineNo     int
		sawHeader  bool
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == headerTag:
			sawHeader = true

		case strings.HasPrefix(line, masterDirective):
			return nil, playerr.Parse(lineNo, "master playlist is not a rendition")

		case strings.HasPrefix(line, durationDirective):
			if pending {
				return nil, playerr.Parse(pendingAt, "duration directive has no segment reference")
			}
			d, err := parseDuration(strings.TrimPrefix(line, durationDirective))
			if err != nil {
				return nil, playerr.Parse(lineNo, "%v", err)
			}
			pending = true
			pendingDur = d
			pendingAt = lineNo

		case strings.HasPrefix(line, "#"):
			// Other tags and comments may sit between a directive and its reference.

		default:
			if !pending {
				return nil, playerr.Parse(lineNo, "segment reference %q has no duration directive", line)
			}
			entries = append(entries, entry{duration: pendingDur, uri: line, line: lineNo})
			pending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, playerr.New(playerr.KindParse, "parse", "read manifest", err)
	}

	if pending {
		return nil, playerr.Parse(pendingAt, "duration directive has no segment reference")
	}
	if len(entries) > 0 && !sawHeader {
		return nil, playerr.Parse(1, "missing %s header", headerTag)
	}

	return entries, nil
}

// parseDuration parses the value of a duration directive ("9.98,title").
func parseDuration(value string) (float64, error) {
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)

	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", d)
	}
	return d, nil
}

// isBlackout classifies a reference by the base name of its path.
func isBlackout(ref string, patterns []*regexp.Regexp) bool {
	name := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)

	for _, p := range patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}

// Fetch retrieves manifest text with a plain HTTP GET.
func Fetch(ctx context.Context, client *http.Client, manifestURL string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", playerr.Network("fetch manifest", manifestURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", playerr.Network("fetch manifest", manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", playerr.Network("fetch manifest", manifestURL, &StatusError{Code: resp.StatusCode})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", playerr.Network("fetch manifest", manifestURL, err)
	}
	return string(body), nil
}

// Load fetches and parses a manifest. Fetch failures are retried with
// exponential backoff; client errors (4xx) and parse errors are not.
func Load(ctx context.Context, client *http.Client, manifestURL string, opts Options) (*Manifest, error) {
	text, err := backoff.Retry(ctx, func() (string, error) {
		text, err := Fetch(ctx, client, manifestURL)
		if err != nil && isClientError(err) {
			return "", backoff.Permanent(err)
		}
		return text, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, err
	}

	if opts.BaseURL == "" {
		opts.BaseURL = manifestURL
	}
	return Parse(text, opts)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// StatusError reports a non-200 manifest response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}
