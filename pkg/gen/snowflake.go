package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

// NewNode returns the id generator shared by the services. Every id in the
// metadata database is a snowflake id from this node.
func NewNode() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		zap.L().Error("[Snowflake] failed to init node", zap.Error(err))
		return nil, err
	}
	return node, nil
}
