package events

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

var ErrFrameTooLarge = errors.New("event frame exceeds limit")

// DefaultMaxFrameBytes bounds a single decoded event.
const DefaultMaxFrameBytes = 1 << 20

// ReadFrames reads [4B big-endian len][payload] frames until EOF, calling fn
// for each non-empty payload. A clean EOF at a frame boundary returns nil; a
// truncated frame returns io.ErrUnexpectedEOF.
func ReadFrames(r io.Reader, maxFrameBytes int, fn func([]byte) error) error {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int64(n) > int64(maxFrameBytes) {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrameBytes)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}

// Collector is the receiving end of a StreamSink: an http.Handler that
// decodes streamed frames into Events and republishes them to a Sink.
type Collector struct {
	sink          Sink
	logger        *zap.Logger
	maxFrameBytes int
	accepted      atomic.Int64
	rejected      atomic.Int64
}

func NewCollector(sink Sink, logger *zap.Logger, maxFrameBytes int) *Collector {
	logger = logging.OrNop(logger)
	return &Collector{sink: sink, logger: logger.Named("event_collector"), maxFrameBytes: maxFrameBytes}
}

// Accepted returns the number of events decoded and republished.
func (c *Collector) Accepted() int64 { return c.accepted.Load() }

// Rejected returns the number of frames that failed to decode.
func (c *Collector) Rejected() int64 { return c.rejected.Load() }

func (c *Collector) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := req.Context()
	err := ReadFrames(req.Body, c.maxFrameBytes, func(frame []byte) error {
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.rejected.Add(1)
			c.logger.Warn("undecodable event frame", zap.Int("bytes", len(frame)), zap.Error(err))
			return nil
		}
		c.accepted.Add(1)
		c.sink.Publish(ctx, ev)
		return ctx.Err()
	})
	if err != nil {
		c.logger.Warn("event stream ended with error", zap.String("remote", req.RemoteAddr), zap.Error(err))
		if errors.Is(err, ErrFrameTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad stream", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// NewHTTP3Server serves h over HTTP/3 at addr.
func NewHTTP3Server(addr, path string, h http.Handler, tlsConf *tls.Config, quicConf *quic.Config) *http3.Server {
	if path == "" {
		path = "/events"
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	return &http3.Server{
		Addr:       addr,
		TLSConfig:  http3.ConfigureTLSConfig(tlsConf),
		Handler:    mux,
		QUICConfig: quicConf,
	}
}
