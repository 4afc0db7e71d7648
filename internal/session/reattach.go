package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.olrik.dev/warden/internal/dmb"
)

// Slot identifies which of the two swap positions a session occupies
type Slot int

const (
	Primary Slot = iota
	Secondary
)

func (s Slot) String() string {
	switch s {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// Other returns the opposite slot
func (s Slot) Other() Slot {
	if s == Primary {
		return Secondary
	}
	return Primary
}

func (s Slot) MarshalText() ([]byte, error) {
	if s != Primary && s != Secondary {
		return nil, fmt.Errorf("invalid slot %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Slot) UnmarshalText(b []byte) error {
	switch string(b) {
	case "primary":
		*s = Primary
	case "secondary":
		*s = Secondary
	default:
		return fmt.Errorf("unknown slot %q", b)
	}
	return nil
}

// Directory returns the deployment directory the slot runs from
func (s Slot) Directory(p dmb.Provider) string {
	if s == Secondary {
		return p.SecondaryDirectory()
	}
	return p.PrimaryDirectory()
}

// DmbPath returns the artifact path the slot launches
func (s Slot) DmbPath(p dmb.Provider) string {
	return filepath.Join(s.Directory(p), p.DmbName()+dmb.Extension)
}

// ReattachInfo is everything needed to take over a running game server after the manager
// restarts. It is persisted keyed by instance.
type ReattachInfo struct {
	InstanceID  string           `json:"instance_id"`
	PID         int              `json:"pid"`
	CreateTime  int64            `json:"create_time"` // process start, unix milliseconds
	Port        int              `json:"port"`
	AccessToken string           `json:"access_token,omitempty"`
	Launch      LaunchParameters `json:"launch"`
	Slot        Slot             `json:"slot"`
	Revision    string           `json:"revision"`
	Directory   string           `json:"directory"`
	DmbPath     string           `json:"dmb_path"`
	StartedAt   time.Time        `json:"started_at"`
}

// Validate checks the fields Reattach relies on
func (r ReattachInfo) Validate() error {
	var errs []error
	if r.PID <= 0 {
		errs = append(errs, fmt.Errorf("invalid pid %d", r.PID))
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid topic port %d", r.Port))
	}
	if r.AccessToken == "" {
		errs = append(errs, errors.New("missing access token"))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy
func (r ReattachInfo) Clone() ReattachInfo {
	c := r
	c.Launch = r.Launch.Clone()
	return c
}

// Equal compares every field
func (r ReattachInfo) Equal(o ReattachInfo) bool {
	return r.InstanceID == o.InstanceID &&
		r.PID == o.PID &&
		r.CreateTime == o.CreateTime &&
		r.Port == o.Port &&
		r.AccessToken == o.AccessToken &&
		r.Launch.Equal(o.Launch) &&
		r.Slot == o.Slot &&
		r.Revision == o.Revision &&
		r.Directory == o.Directory &&
		r.DmbPath == o.DmbPath &&
		r.StartedAt.Equal(o.StartedAt)
}

// Drift lists the fields whose values differ between r and o, for logging
func (r ReattachInfo) Drift(o ReattachInfo) []string {
	var fields []string
	check := func(name string, same bool) {
		if !same {
			fields = append(fields, name)
		}
	}
	check("pid", r.PID == o.PID)
	check("create_time", r.CreateTime == o.CreateTime)
	check("port", r.Port == o.Port)
	check("launch", r.Launch.Equal(o.Launch))
	check("slot", r.Slot == o.Slot)
	check("revision", r.Revision == o.Revision)
	check("directory", r.Directory == o.Directory)
	return fields
}
