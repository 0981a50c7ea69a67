package events

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

var ErrStreamClosed = errors.New("event stream closed")

// DialFunc opens one long-lived stream that batches are written to.
type DialFunc func(ctx context.Context) (io.WriteCloser, error)

// StreamConfig controls the StreamSink.
type StreamConfig struct {
	Addr               string        `yaml:"addr"`     // host:port of the collector
	URLPath            string        `yaml:"url_path"` // e.g. "/events"
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	NumConnections     int           `yaml:"num_connections"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	MaxBatchBytes      int           `yaml:"max_batch_bytes"`
	MaxBatchMessages   int           `yaml:"max_batch_messages"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	MaxWriteRetries    int           `yaml:"max_write_retries"` // total attempts = 1 + MaxWriteRetries
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	BackoffJitterFrac  float64       `yaml:"backoff_jitter_frac"`

	TLS  *tls.Config  `yaml:"-"`
	QUIC *quic.Config `yaml:"-"`
	// Dial replaces the HTTP/3 streaming POST, e.g. in tests.
	Dial DialFunc `yaml:"-"`
}

func (c *StreamConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/events"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
}

// StreamStats are cumulative counters of a StreamSink.
type StreamStats struct {
	Enqueued   int64
	Dispatched int64
	Retried    int64
	Dropped    int64
}

// StreamSink exports events as length-prefixed JSON frames over concurrent
// long-lived HTTP/3 POST streams. Events are batched by size or flush
// interval; failed writes reconnect with exponential backoff and are dropped
// after MaxWriteRetries. Publish never blocks: a full queue drops the event.
type StreamSink struct {
	cfg        StreamConfig
	logger     *zap.Logger
	dial       DialFunc
	rt         *http3.Transport
	quit       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup
	eventsCh   chan []byte
	connInputs []chan []byte

	enqueued   atomic.Int64
	dispatched atomic.Int64
	retried    atomic.Int64
	dropped    atomic.Int64
}

// NewStreamSink starts the batching loop and connection managers.
func NewStreamSink(cfg StreamConfig, logger *zap.Logger) (*StreamSink, error) {
	cfg.setDefaults()
	if cfg.Addr == "" && cfg.Dial == nil {
		return nil, errors.New("event stream: addr is required")
	}
	logger = logging.OrNop(logger)

	s := &StreamSink{
		cfg:      cfg,
		logger:   logger.Named("event_stream"),
		quit:     make(chan struct{}),
		eventsCh: make(chan []byte, cfg.QueueCapacity),
	}
	s.dial = cfg.Dial
	if s.dial == nil {
		tlsConf := cfg.TLS
		if tlsConf == nil {
			tlsConf = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, NextProtos: []string{http3.NextProtoH3}}
		}
		s.rt = &http3.Transport{TLSClientConfig: tlsConf, QUICConfig: cfg.QUIC}
		s.dial = s.dialHTTP3(fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath))
	}

	// Per-connection batch channels (buffer=1 to decouple a bit).
	s.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := range s.connInputs {
		s.connInputs[i] = make(chan []byte, 1)
	}

	s.wg.Add(1)
	go s.batchingLoop()
	for i := range s.connInputs {
		s.wg.Add(1)
		go s.connectionManager(i, s.connInputs[i])
	}
	return s, nil
}

// Publish encodes ev and enqueues it without blocking.
func (s *StreamSink) Publish(_ context.Context, ev Event) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		s.dropped.Add(1)
		return
	}
	select {
	case s.eventsCh <- msg:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		s.logger.Debug("event queue full, dropping", zap.String("kind", string(ev.Kind)))
	}
}

func (s *StreamSink) Stats() StreamStats {
	return StreamStats{
		Enqueued:   s.enqueued.Load(),
		Dispatched: s.dispatched.Load(),
		Retried:    s.retried.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Close flushes queued events and stops all goroutines.
func (s *StreamSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}
	close(s.quit)
	s.wg.Wait()
	if s.rt != nil {
		return s.rt.Close()
	}
	return nil
}

// ----------------- internal -----------------

type streamConn struct {
	w      io.WriteCloser
	cancel context.CancelFunc
}

func (c *streamConn) close() {
	_ = c.w.Close()
	if c.cancel != nil {
		c.cancel()
	}
}

func (s *StreamSink) batchingLoop() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	// dispatch hands the batch to any idle connection, starting at a random
	// one for fairness. When draining on close it waits for a connection
	// instead of giving up on quit.
	dispatch := func(draining bool) {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		count := msgs
		batch.Reset()
		msgs = 0

		start := rand.IntN(len(s.connInputs))
		for i := range s.connInputs {
			idx := (start + i) % len(s.connInputs)
			select {
			case s.connInputs[idx] <- payload:
				s.dispatched.Add(int64(count))
				return
			default:
			}
		}
		if draining {
			s.connInputs[start] <- payload
			s.dispatched.Add(int64(count))
			return
		}
		select {
		case s.connInputs[start] <- payload:
			s.dispatched.Add(int64(count))
		case <-s.quit:
			s.connInputs[start] <- payload
			s.dispatched.Add(int64(count))
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case m := <-s.eventsCh:
					frameAppend(&batch, m)
					msgs++
					if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
						dispatch(true)
					}
				default:
					dispatch(true)
					return
				}
			}

		case m := <-s.eventsCh:
			frameAppend(&batch, m)
			msgs++
			if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
				dispatch(false)
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch(false)
			resetTimer()
		}
	}
}

func (s *StreamSink) connectionManager(id int, in <-chan []byte) {
	defer s.wg.Done()
	var conn *streamConn
	defer func() {
		if conn != nil {
			conn.close()
			s.logger.Debug("stream torn down", zap.Int("conn", id))
		}
	}()

	for payload := range in {
		if conn == nil {
			var err error
			if conn, err = s.connect(id); err != nil {
				conn = s.retrySend(id, payload)
				continue
			}
		}
		if _, err := conn.w.Write(payload); err != nil {
			s.logger.Warn("stream write failed, reconnecting", zap.Int("conn", id), zap.Error(err))
			conn.close()
			conn = s.retrySend(id, payload)
		}
	}
}

// retrySend reconnects and writes payload with exponential backoff. It returns
// the live connection on success, or nil after dropping the payload.
func (s *StreamSink) retrySend(id int, payload []byte) *streamConn {
	backoff := s.cfg.InitialBackoff
	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		s.retried.Add(1)
		if !s.sleepBackoff(backoff) {
			break
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac)

		conn, err := s.connect(id)
		if err != nil {
			continue
		}
		if _, err := conn.w.Write(payload); err == nil {
			return conn
		}
		conn.close()
	}
	s.dropped.Add(int64(countFrames(payload)))
	s.logger.Warn("dropping event batch", zap.Int("conn", id), zap.Int("bytes", len(payload)))
	return nil
}

// sleepBackoff waits d, or returns false once the sink is closing.
func (s *StreamSink) sleepBackoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.quit:
		return false
	}
}

func (s *StreamSink) connect(id int) (*streamConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := s.dial(ctx)
	if err != nil {
		cancel()
		s.logger.Warn("stream establish failed", zap.Int("conn", id), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("stream established", zap.Int("conn", id))
	return &streamConn{w: w, cancel: cancel}, nil
}

// dialHTTP3 opens a streaming HTTP/3 POST whose body is fed through a pipe.
func (s *StreamSink) dialHTTP3(url string) DialFunc {
	client := &http.Client{Transport: s.rt}
	return func(ctx context.Context) (io.WriteCloser, error) {
		pr, pw := io.Pipe()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		go func() {
			resp, err := client.Do(req)
			if err != nil {
				_ = pw.CloseWithError(fmt.Errorf("client request failed: %w", err))
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				_ = pw.CloseWithError(fmt.Errorf("collector returned %s", resp.Status))
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = pw.Close()
		}()
		return pw, nil
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	if jitterFrac > 0 {
		j := 1 + (rand.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

// frameAppend writes a 4-byte big-endian length prefix followed by msg.
func frameAppend(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}

func countFrames(payload []byte) int {
	n := 0
	for len(payload) >= 4 {
		size := int(binary.BigEndian.Uint32(payload[:4]))
		if len(payload) < 4+size {
			break
		}
		payload = payload[4+size:]
		n++
	}
	return n
}
