package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMGTRACE_"

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields of c from IMGTRACE_* variables:
//
//	IMGTRACE_TARGET_HOST       targetHost
//	IMGTRACE_RESPONSE_QUOTA    responseQuota
//	IMGTRACE_MIN_IMAGE_SIZE    minImageSize
//	IMGTRACE_FILTER            filterExpr
//	IMGTRACE_PENDING_TTL       pendingTTL
//	IMGTRACE_SWEEP_INTERVAL    sweepInterval
//	IMGTRACE_SOURCE            source
//	IMGTRACE_LISTEN_ADDR       listenAddr
//	IMGTRACE_OUTPUT            output
//	IMGTRACE_RECORDS_DIR       recordsDir
//	IMGTRACE_SESSION           session
//	IMGTRACE_METRICS_ADDR      metricsAddr
//	IMGTRACE_LOG_LEVEL         log.level
//	IMGTRACE_LOG_FORMAT        log.format
//	IMGTRACE_LOG_FILE          log.file
//
// It does not validate the result.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"TARGET_HOST":  &c.TargetHost,
		"FILTER":       &c.FilterExpr,
		"SOURCE":       &c.Source,
		"LISTEN_ADDR":  &c.ListenAddr,
		"OUTPUT":       &c.Output,
		"RECORDS_DIR":  &c.RecordsDir,
		"SESSION":      &c.Session,
		"METRICS_ADDR": &c.MetricsAddr,
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FORMAT":   &c.Log.Format,
		"LOG_FILE":     &c.Log.File,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "RESPONSE_QUOTA"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("RESPONSE_QUOTA", v, err)
		}
		c.ResponseQuota = n
	}
	if v, ok := lookup(EnvPrefix + "MIN_IMAGE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError("MIN_IMAGE_SIZE", v, err)
		}
		c.MinImageSize = n
	}
	for name, dst := range map[string]*Duration{
		"PENDING_TTL":    &c.PendingTTL,
		"SWEEP_INTERVAL": &c.SweepInterval,
	} {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError(name, v, err)
		}
		*dst = Duration(d)
	}
	return nil
}

func envError(name, value string, err error) error {
	return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, name, value, err)
}
