// Package replica identifies this process among the fleet, for the
// replica_id field the job record and lease logic key off.
package replica

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ID returns hostname-suffix, so it's both human-recognizable in logs and
// collision-resistant across replicas sharing a hostname in a container
// scheduler that recycles pod names.
func ID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
