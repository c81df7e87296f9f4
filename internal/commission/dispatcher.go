package commission

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srg/am43/internal/am43"
)

// Request paths served by the Dispatcher
const (
	PathScan       = "/scan_for_devices"
	PathConnect    = "/connect_to_device"
	PathRename     = "/rename_device"
	PathAuth       = "/auth_with_passcode"
	PathReset      = "/ble_reset"
	PathAdjust     = "/adjust_limit"
	PathMove       = "/move_motor"
	PathJog        = "/jog_motor"
	PathAllow      = "/allow_device"
	PathDisallow   = "/disallow_device"
	PathListDevice = "/list_devices"
)

// OK is the result of requests that only acknowledge
const OK = "OK"

const defaultScanTime = 5 * time.Second

// Handler serves one request path
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher routes named requests with JSON payloads to a Session
type Dispatcher struct {
	session  *Session
	handlers map[string]Handler
}

type devicePayload struct {
	DeviceID *int `json:"device_id"`
}

func (p devicePayload) index() (int, error) {
	if p.DeviceID == nil {
		return 0, fmt.Errorf("device_id is required")
	}
	return *p.DeviceID, nil
}

func NewDispatcher(session *Session) *Dispatcher {
	d := &Dispatcher{session: session}
	d.handlers = map[string]Handler{
		PathScan:       d.scan,
		PathListDevice: d.list,
		PathConnect:    d.connect,
		PathRename:     d.rename,
		PathAuth:       d.auth,
		PathReset:      d.reset,
		PathAdjust:     d.adjustLimit,
		PathMove:       d.move,
		PathJog:        d.jog,
		PathAllow:      d.allow(true),
		PathDisallow:   d.allow(false),
	}
	return d
}

// Paths lists the served request paths
func (d *Dispatcher) Paths() []string {
	out := make([]string, 0, len(d.handlers))
	for p := range d.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Handle runs the request at path. A leading slash is optional.
func (d *Dispatcher) Handle(ctx context.Context, path string, payload json.RawMessage) (any, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	h, ok := d.handlers[path]
	if !ok {
		return nil, fmt.Errorf("unknown request %q", path)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	return h(ctx, payload)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

func (d *Dispatcher) scan(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		ScanTime int `json:"scan_time"`
	}](payload)
	if err != nil {
		return nil, err
	}
	duration := defaultScanTime
	if req.ScanTime > 0 {
		duration = time.Duration(req.ScanTime) * time.Millisecond
	}
	return d.session.Scan(ctx, duration)
}

func (d *Dispatcher) list(context.Context, json.RawMessage) (any, error) {
	return d.session.Devices(), nil
}

func (d *Dispatcher) connect(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[devicePayload](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	return d.session.Connect(ctx, index)
}

func (d *Dispatcher) rename(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		devicePayload
		NewName string `json:"new_name"`
	}](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	return d.session.Rename(ctx, index, req.NewName)
}

func (d *Dispatcher) auth(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		devicePayload
		Passcode string `json:"passcode"`
	}](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	if err := d.session.Auth(ctx, index, req.Passcode); err != nil {
		return nil, err
	}
	return OK, nil
}

func (d *Dispatcher) reset(context.Context, json.RawMessage) (any, error) {
	if err := d.session.Reset(); err != nil {
		return nil, err
	}
	return OK, nil
}

func (d *Dispatcher) adjustLimit(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		devicePayload
		Edge        string `json:"edge"`
		OpenOrClose string `json:"openOrClose"`
		Phase       string `json:"phase"`
	}](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	edgeName := req.Edge
	if edgeName == "" {
		edgeName = req.OpenOrClose
	}
	edge, err := am43.ParseEdge(edgeName)
	if err != nil {
		return nil, err
	}
	phase, err := am43.ParseLimitPhase(req.Phase)
	if err != nil {
		return nil, err
	}
	if err := d.session.AdjustLimit(ctx, index, edge, phase); err != nil {
		return nil, err
	}
	return OK, nil
}

type movePayload struct {
	devicePayload
	Command string `json:"command"`
}

func (d *Dispatcher) move(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[movePayload](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	return nil, d.session.Move(ctx, index, req.Command)
}

func (d *Dispatcher) jog(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		movePayload
		Pressed bool `json:"pressed"`
	}](payload)
	if err != nil {
		return nil, err
	}
	index, err := req.index()
	if err != nil {
		return nil, err
	}
	if !req.Pressed {
		return nil, d.session.JogRelease(ctx, index)
	}
	return nil, d.session.JogPress(ctx, index, req.Command)
}

func (d *Dispatcher) allow(add bool) Handler {
	return func(_ context.Context, payload json.RawMessage) (any, error) {
		req, err := decode[devicePayload](payload)
		if err != nil {
			return nil, err
		}
		index, err := req.index()
		if err != nil {
			return nil, err
		}
		if add {
			err = d.session.AllowDevice(index)
		} else {
			err = d.session.DisallowDevice(index)
		}
		if err != nil {
			return nil, err
		}
		return OK, nil
	}
}

// Request is one line of the JSON line protocol
type Request struct {
	ID      int             `json:"id,omitempty"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers one Request
type Response struct {
	ID     int    `json:"id,omitempty"`
	Path   string `json:"path"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stream writes JSON lines; it is shared by responses and push events
type Stream struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStream(w io.Writer) *Stream {
	return &Stream{enc: json.NewEncoder(w)}
}

// Send writes v as one JSON line
func (s *Stream) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(v)
}

// Emit writes a push event; it matches the Session emit callback
func (s *Stream) Emit(ev Event) {
	_ = s.Send(ev)
}

// Serve reads requests line by line from r and answers on out until r is
// exhausted or ctx is done. Requests are handled in order.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, out *Stream) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := out.Send(Response{Error: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		resp := Response{ID: req.ID, Path: req.Path}
		result, err := d.Handle(ctx, req.Path, req.Payload)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		if err := out.Send(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
