package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"canwatch/mqttfeed"
	"canwatch/socketcand"
)

const (
	sourceHealthInterval  = 30 * time.Second
	sourceHealthLogPrefix = "Source Health: "
)

// sourceHealthSnapshot is the counter view a capture source exposes to the
// health monitor. The clients publish no timestamps, so idleness is judged by
// whether the forwarded counter moved between ticks.
type sourceHealthSnapshot struct {
	Connected   bool
	Received    uint64
	Forwarded   uint64
	ParseErrors uint64
	Dropped     uint64
}

type sourceHealthProbe struct {
	name     string
	snapshot func() sourceHealthSnapshot
}

type sourceHealthState struct {
	connected     bool
	idle          bool
	initialized   bool
	lastForwarded uint64
}

// observe folds a fresh snapshot into the state and reports whether the
// connected/idle status changed since the previous tick. The first tick
// always reports so every source logs one baseline line after startup.
func (st sourceHealthState) observe(snap sourceHealthSnapshot) (sourceHealthState, bool) {
	idle := snap.Forwarded == st.lastForwarded
	changed := !st.initialized || st.connected != snap.Connected || st.idle != idle
	next := sourceHealthState{
		connected:     snap.Connected,
		idle:          idle,
		initialized:   true,
		lastForwarded: snap.Forwarded,
	}
	return next, changed
}

// startSourceHealthMonitor logs capture source health on state transitions
// only, so a stable bus does not fill the daily logs with heartbeat lines.
func startSourceHealthMonitor(ctx context.Context, probes []sourceHealthProbe) {
	if len(probes) == 0 {
		return
	}
	ticker := time.NewTicker(sourceHealthInterval)
	go func() {
		defer ticker.Stop()
		states := make(map[string]sourceHealthState, len(probes))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, probe := range probes {
					if probe.snapshot == nil {
						continue
					}
					snap := probe.snapshot()
					next, changed := states[probe.name].observe(snap)
					states[probe.name] = next
					if changed {
						log.Printf("%s%s", sourceHealthLogPrefix, formatSourceHealthLine(probe.name, snap, next.idle))
					}
				}
			}
		}
	}()
}

func formatSourceHealthLine(name string, snap sourceHealthSnapshot, idle bool) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString(" ")
	b.WriteString(state)
	b.WriteString(fmt.Sprintf(" rx=%d fwd=%d", snap.Received, snap.Forwarded))
	var dropParts []string
	if snap.ParseErrors > 0 {
		dropParts = append(dropParts, fmt.Sprintf("parse=%d", snap.ParseErrors))
	}
	if snap.Dropped > 0 {
		dropParts = append(dropParts, fmt.Sprintf("full=%d", snap.Dropped))
	}
	if len(dropParts) > 0 {
		b.WriteString(" drops=")
		b.WriteString(strings.Join(dropParts, ","))
	}
	return b.String()
}

func gatewayHealthProbe(name string, client *socketcand.Client) sourceHealthProbe {
	return sourceHealthProbe{
		name: name,
		snapshot: func() sourceHealthSnapshot {
			if client == nil {
				return sourceHealthSnapshot{}
			}
			received, forwarded, parseErrors, dropped := client.GetStats()
			return sourceHealthSnapshot{
				Connected:   client.IsConnected(),
				Received:    received,
				Forwarded:   forwarded,
				ParseErrors: parseErrors,
				Dropped:     dropped,
			}
		},
	}
}

func mqttHealthProbe(name string, client *mqttfeed.Client) sourceHealthProbe {
	return sourceHealthProbe{
		name: name,
		snapshot: func() sourceHealthSnapshot {
			if client == nil {
				return sourceHealthSnapshot{}
			}
			received, forwarded, decodeErrors, dropped := client.GetStats()
			return sourceHealthSnapshot{
				Connected:   client.IsConnected(),
				Received:    received,
				Forwarded:   forwarded,
				ParseErrors: decodeErrors,
				Dropped:     dropped,
			}
		},
	}
}

func sourceLabel(raw string, fallback string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
