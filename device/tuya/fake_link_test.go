package tuya

import (
  "context"
  "errors"
  "net"
  "sync"
  "testing"
  "time"

  "github.com/robertof/go-tuya-ble-exporter/ble"
  "github.com/robertof/go-tuya-ble-exporter/device/tuya/protocol"
)

// fakeLink stands in for a GATT link. Every write is decoded and handed to respond on its own
// goroutine, like notifications arriving from the radio stack.
type fakeLink struct {
  mu sync.Mutex
  writes []protocol.Frame
  onNotification func([]byte)
  disconnects int

  codec *protocol.FrameCodec
  respond func(l *fakeLink, f protocol.Frame)

  subscribeErr error
  writeErr error
}

func newFakeLink(respond func(l *fakeLink, f protocol.Frame)) *fakeLink {
  return &fakeLink{
    codec: protocol.NewFrameCodec(),
    respond: respond,
  }
}

func (l *fakeLink) Write(data []byte) error {
  if l.writeErr != nil {
    return l.writeErr
  }

  f, err := protocol.DecodeFrame(data)
  if err != nil {
    return err
  }

  l.mu.Lock()
  l.writes = append(l.writes, f)
  l.mu.Unlock()

  if l.respond != nil {
    go l.respond(l, f)
  }

  return nil
}

func (l *fakeLink) Subscribe(onNotification func([]byte)) error {
  if l.subscribeErr != nil {
    return l.subscribeErr
  }

  l.mu.Lock()
  defer l.mu.Unlock()

  l.onNotification = onNotification

  return nil
}

func (l *fakeLink) Disconnect() error {
  l.mu.Lock()
  defer l.mu.Unlock()

  l.disconnects += 1

  return nil
}

func (l *fakeLink) notify(command protocol.Command, payload []byte) {
  frame, err := l.codec.Encode(command, payload)
  if err != nil {
    panic(err)
  }

  l.notifyRaw(frame)
}

func (l *fakeLink) notifyRaw(data []byte) {
  l.mu.Lock()
  cb := l.onNotification
  l.mu.Unlock()

  if cb != nil {
    cb(data)
  }
}

func (l *fakeLink) Writes() []protocol.Frame {
  l.mu.Lock()
  defer l.mu.Unlock()

  return append([]protocol.Frame(nil), l.writes...)
}

func (l *fakeLink) Disconnects() int {
  l.mu.Lock()
  defer l.mu.Unlock()

  return l.disconnects
}

type fakeDialer struct {
  link *fakeLink
  err error
  dialed []net.HardwareAddr
}

func (d *fakeDialer) DialLink(ctx context.Context, addr net.HardwareAddr, p ble.LinkProfile) (ble.Link, error) {
  d.dialed = append(d.dialed, addr)

  if d.err != nil {
    return nil, d.err
  }

  return d.link, nil
}

// fakeSensor answers like an SGS01: pairing hands out sessionKey, queries are answered with
// report (encrypted once paired).
type fakeSensor struct {
  t *testing.T
  staticKey []byte
  sessionKey []byte

  ignorePairing bool
  ignoreQuery bool
  report []protocol.DataPoint

  // called for data point writes, if set.
  onWrite func(l *fakeLink, f protocol.Frame)

  mu sync.Mutex
  paired bool
}

func (s *fakeSensor) isPaired() bool {
  s.mu.Lock()
  defer s.mu.Unlock()

  return s.paired
}

func (s *fakeSensor) encodeReport(dps []protocol.DataPoint) []byte {
  payload, err := protocol.EncodeDataPoints(dps...)
  if err != nil {
    s.t.Errorf("EncodeDataPoints(%v): %v", dps, err)
    return nil
  }

  if s.isPaired() {
    payload, err = protocol.Encrypt(s.sessionKey, payload)
    if err != nil {
      s.t.Errorf("Encrypt(): %v", err)
      return nil
    }
  }

  return payload
}

func (s *fakeSensor) respond(l *fakeLink, f protocol.Frame) {
  switch f.Command {
  case protocol.CommandPairRequest:
    if s.ignorePairing {
      return
    }

    if _, err := protocol.Decrypt(s.staticKey, f.Payload); err != nil {
      s.t.Errorf("sensor: cannot decrypt pairing request: %v", err)
      return
    }

    resp, err := protocol.Encrypt(s.staticKey, s.sessionKey)
    if err != nil {
      s.t.Errorf("sensor: Encrypt(): %v", err)
      return
    }

    s.mu.Lock()
    s.paired = true
    s.mu.Unlock()

    l.notify(protocol.CommandPairResponse, resp)
  case protocol.CommandDataPointQuery:
    if s.ignoreQuery {
      return
    }

    l.notify(protocol.CommandDataPointReport, s.encodeReport(s.report))
  case protocol.CommandDataPointWrite:
    if s.onWrite != nil {
      s.onWrite(l, f)
    }
  }
}

func waitForPending(t *testing.T, r *Router, kind protocol.Command) {
  deadline := time.Now().Add(2 * time.Second)

  for time.Now().Before(deadline) {
    r.mu.Lock()
    _, ok := r.pending[kind]
    r.mu.Unlock()

    if ok {
      return
    }

    time.Sleep(time.Millisecond)
  }

  t.Errorf("no exchange pending for %v", kind)
}

var errFakeRadio = errors.New("radio on fire")
