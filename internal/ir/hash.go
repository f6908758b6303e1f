package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainPlan = "vorch/plan/v1"
	DomainStep = "vorch/step/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StepObject renders a step as an Object for canonical serialization.
// Durations are encoded as integer milliseconds.
func StepObject(s Step) Object {
	obj := Object{
		"capability": String(s.Capability),
		"action":     String(s.Action),
		"target":     String(s.Target),
		"timeout_ms": Int(s.Timeout.Milliseconds()),
		"retries":    Int(s.Retries),
		"required":   Bool(s.Required),
	}
	if len(s.Params) > 0 {
		obj["params"] = s.Params
	}
	if s.Channel != "" {
		obj["channel"] = String(s.Channel)
	}
	return obj
}

// PlanHash computes the content hash of a resolved plan.
// Two plans with the same name and the same steps (including origins) hash
// identically regardless of map iteration order.
func PlanHash(name string, steps []PlannedStep) (string, error) {
	list := make(List, len(steps))
	for i, ps := range steps {
		obj := StepObject(ps.Step)
		obj["origin"] = String(ps.Origin)
		list[i] = obj
	}

	canonical, err := MarshalCanonical(Object{
		"name":  String(name),
		"steps": list,
	})
	if err != nil {
		return "", fmt.Errorf("PlanHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}

// StepHash computes the content hash of a single step.
func StepHash(s Step) (string, error) {
	canonical, err := MarshalCanonical(StepObject(s))
	if err != nil {
		return "", fmt.Errorf("StepHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainStep, canonical), nil
}
