package session

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrValidation is matched by every *ValidationError
var ErrValidation = errors.New("invalid launch parameters")

// ValidationError lists every problem found while validating launch parameters
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SecurityLevel is the sandbox level the game server runs its code under
type SecurityLevel int

const (
	Trusted SecurityLevel = iota
	Safe
	Ultrasafe
)

var securityNames = []string{"trusted", "safe", "ultrasafe"}

func (s SecurityLevel) String() string {
	if s < 0 || int(s) >= len(securityNames) {
		return fmt.Sprintf("SecurityLevel(%d)", int(s))
	}
	return securityNames[s]
}

func (s SecurityLevel) valid() bool {
	return s >= Trusted && s <= Ultrasafe
}

// ParseSecurityLevel accepts the lowercase names used on the command line
func ParseSecurityLevel(v string) (SecurityLevel, error) {
	i := slices.Index(securityNames, strings.ToLower(strings.TrimSpace(v)))
	if i < 0 {
		return 0, fmt.Errorf("unknown security level %q", v)
	}
	return SecurityLevel(i), nil
}

func (s SecurityLevel) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid security level %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SecurityLevel) UnmarshalText(b []byte) error {
	v, err := ParseSecurityLevel(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Visibility controls whether the server advertises itself on the hub
type Visibility int

const (
	Public Visibility = iota
	Private
	Invisible
)

var visibilityNames = []string{"public", "private", "invisible"}

func (v Visibility) String() string {
	if v < 0 || int(v) >= len(visibilityNames) {
		return fmt.Sprintf("Visibility(%d)", int(v))
	}
	return visibilityNames[v]
}

func (v Visibility) valid() bool {
	return v >= Public && v <= Invisible
}

func ParseVisibility(s string) (Visibility, error) {
	i := slices.Index(visibilityNames, strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("unknown visibility %q", s)
	}
	return Visibility(i), nil
}

func (v Visibility) MarshalText() ([]byte, error) {
	if !v.valid() {
		return nil, fmt.Errorf("invalid visibility %d", int(v))
	}
	return []byte(v.String()), nil
}

func (v *Visibility) UnmarshalText(b []byte) error {
	p, err := ParseVisibility(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

// LaunchParameters is the validated set of values a session is started with. Treat it as a
// value: a running session keeps the copy it was launched with.
type LaunchParameters struct {
	Port           int           `json:"port"`
	SecondaryPort  int           `json:"secondary_port"`
	SecurityLevel  SecurityLevel `json:"security_level"`
	Visibility     Visibility    `json:"visibility"`
	StartupTimeout time.Duration `json:"startup_timeout"`
	AdditionalArgs []string      `json:"additional_args,omitempty"`
}

// NewLaunchParameters validates and returns launch parameters. A zero secondaryPort
// defaults to port+1.
func NewLaunchParameters(port, secondaryPort int, security SecurityLevel, visibility Visibility, startupTimeout time.Duration, args []string) (LaunchParameters, error) {
	if secondaryPort == 0 && port > 0 {
		secondaryPort = port + 1
	}
	p := LaunchParameters{
		Port:           port,
		SecondaryPort:  secondaryPort,
		SecurityLevel:  security,
		Visibility:     visibility,
		StartupTimeout: startupTimeout,
		AdditionalArgs: slices.Clone(args),
	}
	if err := p.Validate(); err != nil {
		return LaunchParameters{}, err
	}
	return p, nil
}

// ParseLaunchParameters is NewLaunchParameters for textual security and visibility values.
// Parse failures are reported together with every other problem.
func ParseLaunchParameters(port, secondaryPort int, security, visibility string, startupTimeout time.Duration, args []string) (LaunchParameters, error) {
	var problems []string

	sec, err := ParseSecurityLevel(security)
	if err != nil {
		problems = append(problems, err.Error())
	}
	vis, err := ParseVisibility(visibility)
	if err != nil {
		problems = append(problems, err.Error())
	}

	p, err := NewLaunchParameters(port, secondaryPort, sec, vis, startupTimeout, args)
	var verr *ValidationError
	if errors.As(err, &verr) {
		problems = append(problems, verr.Problems...)
	}
	if len(problems) > 0 {
		return LaunchParameters{}, &ValidationError{Problems: problems}
	}
	return p, nil
}

// Validate reports every problem with p at once
func (p LaunchParameters) Validate() error {
	var problems []string

	if p.Port < 1 || p.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range 1-65535", p.Port))
	}
	if p.SecondaryPort < 1 || p.SecondaryPort > 65535 {
		problems = append(problems, fmt.Sprintf("secondary port %d out of range 1-65535", p.SecondaryPort))
	} else if p.SecondaryPort == p.Port {
		problems = append(problems, "secondary port must differ from port")
	}
	if !p.SecurityLevel.valid() {
		problems = append(problems, fmt.Sprintf("invalid security level %d", int(p.SecurityLevel)))
	}
	if !p.Visibility.valid() {
		problems = append(problems, fmt.Sprintf("invalid visibility %d", int(p.Visibility)))
	}
	if p.StartupTimeout <= 0 {
		problems = append(problems, "startup timeout must be positive")
	}
	for i, a := range p.AdditionalArgs {
		if strings.TrimSpace(a) == "" {
			problems = append(problems, fmt.Sprintf("additional argument %d is blank", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Clone returns a deep copy
func (p LaunchParameters) Clone() LaunchParameters {
	c := p
	c.AdditionalArgs = slices.Clone(p.AdditionalArgs)
	return c
}

// Equal compares every field, treating nil and empty argument lists as equal
func (p LaunchParameters) Equal(o LaunchParameters) bool {
	return p.Port == o.Port &&
		p.SecondaryPort == o.SecondaryPort &&
		p.SecurityLevel == o.SecurityLevel &&
		p.Visibility == o.Visibility &&
		p.StartupTimeout == o.StartupTimeout &&
		slices.Equal(p.AdditionalArgs, o.AdditionalArgs)
}

// PortFor returns the port used by the given slot
func (p LaunchParameters) PortFor(slot Slot) int {
	if slot == Secondary {
		return p.SecondaryPort
	}
	return p.Port
}

// Arguments builds the game server command line:
//
//	<dmb> <port> -<security> -<visibility> -params <query> [additional...]
func (p LaunchParameters) Arguments(dmbPath string, port int, token string) []string {
	params := url.Values{}
	params.Set("warden_token", token)
	params.Set("warden_port", strconv.Itoa(port))

	args := []string{
		dmbPath,
		strconv.Itoa(port),
		"-" + p.SecurityLevel.String(),
		"-" + p.Visibility.String(),
		"-params", params.Encode(),
	}
	return append(args, p.AdditionalArgs...)
}
