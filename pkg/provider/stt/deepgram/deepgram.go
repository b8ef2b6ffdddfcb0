// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/cantinaos/cantina/pkg/provider/stt"
	"github.com/cantinaos/cantina/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start opens a streaming transcription session with Deepgram.
func (p *Provider) Start(ctx context.Context, sampleRate int) (stt.Session, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	wsURL, err := p.buildURL(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		segments: make(chan types.TranscriptSegment, 64),
		done:     make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.readLoop(ctx)
	return sess, nil
}

// buildURL constructs the streaming endpoint URL.
func (p *Provider) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session.
type session struct {
	conn     *websocket.Conn
	segments chan types.TranscriptSegment

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.Session = (*session)(nil)

// Write implements stt.Session.
func (s *session) Write(ctx context.Context, pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("deepgram: write audio: %w", err)
	}
	return nil
}

// Segments implements stt.Session.
func (s *session) Segments() <-chan types.TranscriptSegment { return s.segments }

// Close terminates the session cleanly, flushing pending audio.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop receives JSON messages and dispatches recognized segments.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.segments)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}
		seg, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.segments <- seg:
		case <-s.done:
		}
	}
}

// parseResponse parses one WebSocket message, ignoring non-result events
// and empty hypotheses.
func parseResponse(data []byte) (types.TranscriptSegment, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.TranscriptSegment{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return types.TranscriptSegment{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return types.TranscriptSegment{}, false
	}
	return types.TranscriptSegment{
		Text:       alt.Transcript,
		Final:      resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
