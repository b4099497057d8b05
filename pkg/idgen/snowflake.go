package idgen

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Generator issues business numbers for jobs and payouts. Each instance must
// run with a distinct node id (0-1023).
//
// Format: prefix + yyyyMMddHHmmss + snowflake id, e.g. JOB20240115143052_1746...
type Generator struct {
	node *snowflake.Node
}

func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

func (g *Generator) next(prefix string) string {
	return fmt.Sprintf("%s%s_%d", prefix, time.Now().UTC().Format("20060102150405"), g.node.Generate().Int64())
}

func (g *Generator) JobNo() string {
	return g.next("JOB")
}

func (g *Generator) PayoutNo() string {
	return g.next("PAY")
}
