// Package ir provides the shared value model and step/plan types for vorch.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the catalog, broker,
// resolver and checker free of circular dependencies.
//
// Key design constraints:
//   - Values are a closed set of variants (Null, String, Int, Float, Bool, List, Object)
//   - Capability/action combinations are a closed lookup table (Supports)
//   - Plans are content-addressed: identical plans hash identically (PlanHash)
//   - All JSON tags use snake_case
package ir
