/*
Package config loads bus and saga settings from YAML, JSON and the
environment into a read-only map view with typed accessors.

# Layout

A till's configuration file usually looks like:

	emit_timeout: 5s
	history_size: 1000
	sweep_interval: 1m
	metrics: true
	journal:
	  driver: sqlite
	  path: /var/lib/pos/journal.db
	saga:
	  retry_attempts: 3
	  retry_backoff: 50ms

Nested keys are read with dotted paths or through a Section:

	cfg, err := config.Load("pos.yaml", "POS_")
	if err != nil {
	    log.Fatal(err)
	}
	opts := txbus.OptionsFromConfig(cfg)
	driver := cfg.String("journal.driver", "memory")
	retry := saga.RetryFromConfig(cfg.Section("saga"))

# Environment

Load layers variables that start with the prefix over the file. The
prefix is stripped, the name lowercased and a double underscore opens a
section, so POS_EMIT_TIMEOUT=10s sets emit_timeout and
POS_JOURNAL__PATH=/tmp/j.db sets journal.path. Environment values are
strings; the accessors convert them.

# Type Coercion

Duration accepts a time.ParseDuration string, or a number of seconds.
Int and Float accept numbers and numeric strings; an int is never read
from a float with a fraction. Bool accepts strconv.ParseBool strings.
StringSlice splits a string on commas.

Every accessor returns its default when the key is missing or the value
cannot be converted.

Config is safe for concurrent reads. Merge returns a new Config and
never modifies its inputs.
*/
package config
