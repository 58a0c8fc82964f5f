package mirror

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
)

const envPrefix = "CONDASYNC_"

// legacyDirEnv is honored when CONDASYNC_DIR is not set.
const legacyDirEnv = "TUNASYNC_WORKING_DIR"

// ApplyEnvironmentVariables overrides configuration values with
// CONDASYNC_* environment variables.
func ApplyEnvironmentVariables(c *Config) error {
	if v, ok := os.LookupEnv(envPrefix + "DIR"); ok {
		c.Dir = v
	} else if v, ok := os.LookupEnv(legacyDirEnv); ok && v != "" {
		c.Dir = v
	}

	if v, ok := os.LookupEnv(envPrefix + "PRUNE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"PRUNE")
		}
		c.Prune = b
	}

	if v, ok := os.LookupEnv(envPrefix + "MAX_TREES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"MAX_TREES")
		}
		c.MaxTrees = n
	}

	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}
