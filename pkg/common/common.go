package common

import (
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cast"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// UUIDint64 returns a process-unique snowflake id. The node id can be set via
// BLIPLINE_NODE_ID when running multiple processes.
func UUIDint64() int64 {
	idNodeOnce.Do(func() {
		nodeID := cast.ToInt64(os.Getenv("BLIPLINE_NODE_ID")) % 1024
		node, err := snowflake.NewNode(nodeID)
		if err != nil {
			node, _ = snowflake.NewNode(0)
		}
		idNode = node
	})
	return idNode.Generate().Int64()
}

// UUID returns the string form of UUIDint64.
func UUID() string {
	return cast.ToString(UUIDint64())
}
