package versioncontrol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

// Environment is one publication level. The values are the bits stored in a
// version's published mask.
type Environment int

const (
	EnvironmentTest       Environment = 2
	EnvironmentAcceptance Environment = 4
	EnvironmentLive       Environment = 8
)

// Environments lists every level from lowest to highest.
var Environments = []Environment{EnvironmentTest, EnvironmentAcceptance, EnvironmentLive}

func (e Environment) Valid() bool {
	return e == EnvironmentTest || e == EnvironmentAcceptance || e == EnvironmentLive
}

func (e Environment) String() string {
	switch e {
	case EnvironmentTest:
		return "test"
	case EnvironmentAcceptance:
		return "acceptance"
	case EnvironmentLive:
		return "live"
	default:
		return fmt.Sprintf("environment(%d)", int(e))
	}
}

func (e Environment) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: unknown environment %d", ErrInvalidArgument, int(e))
	}
	return []byte(e.String()), nil
}

func (e *Environment) UnmarshalText(text []byte) error {
	parsed, err := ParseEnvironment(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ReviewGated reports whether deploying a commit to e requires a settled review.
func (e Environment) ReviewGated() bool {
	return e == EnvironmentAcceptance || e == EnvironmentLive
}

// ParseEnvironment accepts a level name or its numeric bit.
func ParseEnvironment(s string) (Environment, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, env := range Environments {
		if s == env.String() {
			return env, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Environment(n).Valid() {
		return Environment(n), nil
	}
	return 0, fmt.Errorf("%w: unknown environment %q", ErrInvalidArgument, s)
}

// EnvironmentMap records which version holds each level. Each level has a
// single slot, so no two versions can ever share one.
type EnvironmentMap struct {
	holders [3]int
}

func slot(env Environment) int {
	switch env {
	case EnvironmentTest:
		return 0
	case EnvironmentAcceptance:
		return 1
	case EnvironmentLive:
		return 2
	default:
		return -1
	}
}

// NewEnvironmentMap rebuilds the holders from stored masks. If corrupt data
// gives one level to several versions, the highest version wins.
func NewEnvironmentMap(versions []store.Version) EnvironmentMap {
	var m EnvironmentMap
	for _, v := range versions {
		for _, env := range Environments {
			if v.Published&int(env) != 0 && v.Version > m.Get(env) {
				m.Set(env, v.Version)
			}
		}
	}
	return m
}

// Get returns the version holding env, or 0 when none does.
func (m EnvironmentMap) Get(env Environment) int {
	i := slot(env)
	if i < 0 {
		return 0
	}
	return m.holders[i]
}

// Set makes version the holder of env. Unknown environments are ignored.
func (m *EnvironmentMap) Set(env Environment, version int) {
	if i := slot(env); i >= 0 {
		m.holders[i] = version
	}
}

// Bitmask returns the published mask version should carry.
func (m EnvironmentMap) Bitmask(version int) int {
	mask := 0
	if version <= 0 {
		return mask
	}
	for _, env := range Environments {
		if m.Get(env) == version {
			mask |= int(env)
		}
	}
	return mask
}

// Held lists the levels version occupies, lowest first.
func (m EnvironmentMap) Held(version int) []Environment {
	held := make([]Environment, 0, len(Environments))
	for _, env := range Environments {
		if version > 0 && m.Get(env) == version {
			held = append(held, env)
		}
	}
	return held
}

func (m EnvironmentMap) Clone() EnvironmentMap {
	return m
}

// Promoted returns the map after moving version into target. Every lower level
// whose holder is older than version follows along; higher levels are kept.
func (m EnvironmentMap) Promoted(version int, target Environment) EnvironmentMap {
	next := m.Clone()
	next.Set(target, version)
	for _, lower := range Environments {
		if lower >= target {
			break
		}
		if next.Get(lower) < version {
			next.Set(lower, version)
		}
	}
	return next
}
