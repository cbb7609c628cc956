// Package config loads podflow configuration from YAML or TOML files.
//
// Values of the form ${NAME} or ${NAME:-default}, where NAME is an upper
// case environment variable name, are replaced before decoding. This is the
// only place podflow reads the environment. Lower case ${...} references are
// left alone so that Risor templates such as the fallback script keep their
// placeholders.
//
// Load applies defaults, normalizes paths, and validates the result. The
// Stages and PipelineOptions helpers turn the pipeline section into the
// podcast stage declarations.
package config
