package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GatewayDevice drives a networked scanner through its HTTP gateway: claim
// the hardware with a lease, long-poll for decoded frames, release the lease
// on the way out. In stub mode no hardware is touched and the stream simply
// stays open without producing frames.
type GatewayDevice struct {
	BaseURL string
	HTTP    *http.Client
	Stub    bool

	mu   sync.Mutex
	held bool
}

// NewGatewayDevice creates a gateway client.
func NewGatewayDevice(baseURL string, stub bool) *GatewayDevice {
	return &GatewayDevice{
		BaseURL: baseURL,
		Stub:    stub,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // long-poll can hold the request open
		},
	}
}

// Health checks if the gateway is reachable.
func (d *GatewayDevice) Health(ctx context.Context) error {
	if d.Stub {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("scanner gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("scanner gateway unhealthy: %s", resp.Status)
	}
	return nil
}

// Acquire claims the scanner lease and starts the frame poll loop.
func (d *GatewayDevice) Acquire(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	if d.held {
		d.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	d.held = true
	d.mu.Unlock()

	lease := ""
	if !d.Stub {
		var err error
		lease, err = d.acquireLease(ctx)
		if err != nil {
			d.release()
			return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
	}

	s := &gatewayStream{
		dev:    d,
		lease:  lease,
		frames: make(chan string),
		done:   make(chan struct{}),
	}
	go s.poll()
	return s, nil
}

func (d *GatewayDevice) acquireLease(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/acquire", nil)
	if err != nil {
		return "", err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("scanner gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", ErrDeviceBusy
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("scanner gateway error %s: %s", resp.Status, string(body))
	}
	var out struct {
		Lease string `json:"lease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Lease == "" {
		return "", fmt.Errorf("scanner gateway returned no lease")
	}
	return out.Lease, nil
}

func (d *GatewayDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type gatewayStream struct {
	dev    *GatewayDevice
	lease  string
	frames chan string
	done   chan struct{}
	once   sync.Once
}

func (s *gatewayStream) Frames() <-chan string { return s.frames }

func (s *gatewayStream) poll() {
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if s.dev.Stub {
			// No hardware behind us; idle until released.
			select {
			case <-s.done:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		batch, err := s.fetch()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for _, frame := range batch {
			frame = strings.TrimSpace(frame)
			if frame == "" {
				continue
			}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}

func (s *gatewayStream) fetch() ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, s.dev.BaseURL+"/frames?lease="+s.lease, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.dev.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scanner gateway error %s: %s", resp.Status, string(body))
	}
	var out struct {
		Frames []string `json:"frames"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Frames, nil
}

// Release drops the lease exactly once.
func (s *gatewayStream) Release() error {
	s.once.Do(func() {
		close(s.done)
		if !s.dev.Stub && s.lease != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.dev.BaseURL+"/release?lease="+s.lease, nil)
			if err == nil {
				if resp, err := s.dev.HTTP.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}
		s.dev.release()
	})
	return nil
}
