// Package prompts contains the instruction text Foreman sends to the model.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates interpolate per-request project state, benefit from compile-time
// embedding, and can be validated by tests. User-facing configuration lives in
// config.yaml.
//
// Convention: each prompt gets an exported function that accepts the dynamic
// parts and returns the fully interpolated prompt string.
package prompts
