// Package profile watches a YAML file of per-MAC client option profiles and
// translates them into client configurations.
package profile

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/tinkerbell/dhcplink/profile"

// Errors used by the profile watcher.
var (
	errFileFormat     = fmt.Errorf("invalid file format")
	errRecordNotFound = fmt.Errorf("record not found")
	errParseAddr      = fmt.Errorf("failed to parse client address")
	errParseDuration  = fmt.Errorf("failed to parse timeout")
	errParseOption    = fmt.Errorf("failed to parse option")
)

// rawOption is an option given by code. Data is taken as text unless Hex is set.
type rawOption struct {
	Code int    `json:"code"`
	Data string `json:"data"`
	Hex  bool   `json:"hex"`
}

// record is the structure for the data expected per MAC address in a file.
type record struct {
	Hostname             string      `json:"hostname"`             // DHCP option 12.
	RequestedLeaseTime   int         `json:"requestedLeaseTime"`   // DHCP option 51.
	ParameterRequestList []int       `json:"parameterRequestList"` // DHCP option 55.
	MaxMessageSize       int         `json:"maxMessageSize"`       // DHCP option 57.
	VendorClass          string      `json:"vendorClass"`          // DHCP option 60.
	ClientID             string      `json:"clientID"`             // DHCP option 61.
	UserClass            string      `json:"userClass"`            // DHCP option 77.
	Options              []rawOption `json:"options"`

	ClientAddress    string   `json:"clientAddress"`
	DiscoverTryCount int      `json:"discoverTryCount"`
	DiscoverTimeouts []string `json:"discoverTimeouts"`
	RequestTryCount  int      `json:"requestTryCount"`
	RequestTimeouts  []string `json:"requestTimeouts"`
}

// Watcher holds the profiles read from a file and keeps them current.
type Watcher struct {
	fileMu sync.RWMutex // protects FilePath for reads

	// FilePath is the path to the file to watch.
	FilePath string

	// Log is the logger to be used in the profile watcher.
	Log logr.Logger
	// OnChange, when set, is called after the in memory data is refreshed.
	OnChange func()

	dataMu  sync.RWMutex // protects data
	data    []byte
	watcher *fsnotify.Watcher
}

// NewWatcher reads f and starts tracking it for changes.
func NewWatcher(l logr.Logger, f string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f); err != nil {
		watcher.Close()
		return nil, err
	}
	if l.GetSink() == nil {
		l = logr.Discard()
	}

	w := &Watcher{
		FilePath: f,
		watcher:  watcher,
		Log:      l,
	}

	w.fileMu.RLock()
	w.data, err = os.ReadFile(filepath.Clean(f))
	w.fileMu.RUnlock()
	if err != nil {
		watcher.Close()
		return nil, err
	}

	return w, nil
}

// GetByMac returns the configuration profiled for mac.
func (w *Watcher) GetByMac(ctx context.Context, mac net.HardwareAddr) (*data.Config, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "profile.GetByMac")
	defer span.End()

	w.dataMu.RLock()
	d := w.data
	w.dataMu.RUnlock()
	r := make(map[string]record)
	if err := yaml.Unmarshal(d, &r); err != nil {
		err := fmt.Errorf("%w: %w", err, errFileFormat)
		w.Log.Error(err, "failed to unmarshal file data")
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	for k, v := range r {
		if strings.EqualFold(k, mac.String()) {
			c, err := w.translate(v)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())

				return nil, err
			}
			span.SetAttributes(c.EncodeToAttributes()...)
			span.SetStatus(codes.Ok, "")

			return c, nil
		}
	}

	err := fmt.Errorf("%w: %s", errRecordNotFound, mac.String())
	span.SetStatus(codes.Error, err.Error())

	return nil, err
}

// Start watches the file and refreshes the in memory data on writes.
// Start is a blocking method. Use a context cancellation to exit.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping watcher")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Log.Info("file changed, updating cache")
			w.fileMu.RLock()
			d, err := os.ReadFile(w.FilePath)
			w.fileMu.RUnlock()
			if err != nil {
				w.Log.Error(err, "failed to read file", "file", w.FilePath)
				break
			}
			w.dataMu.Lock()
			w.data = d
			w.dataMu.Unlock()
			if w.OnChange != nil {
				w.OnChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Log.Info("error watching file", "err", err)
		}
	}
}

// translate converts a file record into a client configuration.
func (w *Watcher) translate(r record) (*data.Config, error) {
	c := &data.Config{
		DiscoverTryCount: r.DiscoverTryCount,
		RequestTryCount:  r.RequestTryCount,
	}

	// client address, optional
	if r.ClientAddress != "" {
		a, err := netip.ParseAddr(r.ClientAddress)
		if err != nil || !a.Is4() {
			return nil, fmt.Errorf("%w: %q", errParseAddr, r.ClientAddress)
		}
		c.ClientAddress = a
	}

	var err error
	if c.DiscoverTimeout, err = durations(r.DiscoverTimeouts); err != nil {
		return nil, err
	}
	if c.RequestTimeout, err = durations(r.RequestTimeouts); err != nil {
		return nil, err
	}

	add := func(code uint8, b []byte) {
		c.OptionList = append(c.OptionList, &data.PacketOption{OpCode: code, Data: b})
	}
	if r.Hostname != "" {
		add(12, []byte(r.Hostname))
	}
	if r.RequestedLeaseTime != 0 {
		v, err := safecast.ToUint32(r.RequestedLeaseTime)
		if err != nil {
			return nil, fmt.Errorf("%w: requested lease time: %w", errParseOption, err)
		}
		add(51, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	if len(r.ParameterRequestList) > 0 {
		prl := make([]byte, 0, len(r.ParameterRequestList))
		for _, p := range r.ParameterRequestList {
			v, err := safecast.ToUint8(p)
			if err != nil {
				return nil, fmt.Errorf("%w: parameter request list: %w", errParseOption, err)
			}
			prl = append(prl, v)
		}
		add(55, prl)
	}
	if r.MaxMessageSize != 0 {
		v, err := safecast.ToUint16(r.MaxMessageSize)
		if err != nil || v < 576 {
			return nil, fmt.Errorf("%w: max message size %d", errParseOption, r.MaxMessageSize)
		}
		add(57, []byte{byte(v >> 8), byte(v)})
	}
	if r.VendorClass != "" {
		add(60, []byte(r.VendorClass))
	}
	if r.ClientID != "" {
		add(61, []byte(r.ClientID))
	}
	if r.UserClass != "" {
		add(77, []byte(r.UserClass))
	}

	for _, o := range r.Options {
		code, err := safecast.ToUint8(o.Code)
		if err != nil || code == 0 || code == 255 {
			return nil, fmt.Errorf("%w: code %d", errParseOption, o.Code)
		}
		b := []byte(o.Data)
		if o.Hex {
			if b, err = hex.DecodeString(o.Data); err != nil {
				return nil, fmt.Errorf("%w: code %d: %w", errParseOption, o.Code, err)
			}
		}
		if len(b) > 255 {
			return nil, fmt.Errorf("%w: code %d longer than 255 bytes", errParseOption, o.Code)
		}
		add(code, b)
	}

	return c, nil
}

func durations(s []string) ([]time.Duration, error) {
	if len(s) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(s))
	for _, v := range s {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errParseDuration, err)
		}
		out = append(out, d)
	}

	return out, nil
}
