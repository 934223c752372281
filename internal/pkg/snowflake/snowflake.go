package snowflake

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/go-kratos/kratos/v2/log"
)

const maxNodeID = 1023

// Generator 订单号生成器，多实例部署时每个实例使用不同的节点ID
type Generator struct {
	node *snowflake.Node
	log  *log.Helper
}

// NewGenerator 节点ID取自 SNOWFLAKE_NODE_ID，未设置时为 1
func NewGenerator(logger log.Logger) (*Generator, error) {
	nodeID := int64(1)
	if env := os.Getenv("SNOWFLAKE_NODE_ID"); env != "" {
		v, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOWFLAKE_NODE_ID %q: %w", env, err)
		}
		nodeID = v
	}
	return New(nodeID, logger)
}

// New 指定节点ID创建生成器
func New(nodeID int64, logger log.Logger) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("node ID must be between 0 and %d, got: %d", maxNodeID, nodeID)
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	helper := log.NewHelper(logger)
	helper.Infof("Order number generator initialized with node ID: %d", nodeID)
	return &Generator{node: node, log: helper}, nil
}

// GenerateID 生成雪花ID
func (g *Generator) GenerateID() int64 {
	return g.node.Generate().Int64()
}

// GenerateIDString 生成雪花ID字符串
func (g *Generator) GenerateIDString() string {
	return g.node.Generate().String()
}

// Parse 拆出节点ID、序列号与毫秒时间戳，排查重复订单号时使用
func Parse(id int64) (nodeID, step, ms int64) {
	sf := snowflake.ParseInt64(id)
	return sf.Node(), sf.Step(), sf.Time()
}
