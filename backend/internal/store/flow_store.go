package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"flowcollab/backend/internal/ot/flowop"
)

type FlowNode struct {
	FlowID    string         `gorm:"primaryKey;type:varchar(64)"`
	NodeID    string         `gorm:"primaryKey;type:varchar(191)"`
	Data      flowop.Payload `gorm:"serializer:json;type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FlowEdge struct {
	FlowID    string         `gorm:"primaryKey;type:varchar(64)"`
	EdgeID    string         `gorm:"primaryKey;type:varchar(191)"`
	Source    string         `gorm:"index:idx_flow_edges_source;type:varchar(191)"`
	Target    string         `gorm:"index:idx_flow_edges_target;type:varchar(191)"`
	Data      flowop.Payload `gorm:"serializer:json;type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlowStore keeps flow nodes and edges in MySQL and applies logged
// operations to them with the same semantics as flowop.Graph.
type FlowStore struct {
	db *gorm.DB
}

func NewFlowStore(db *gorm.DB) *FlowStore {
	return &FlowStore{db: db}
}

func (s *FlowStore) AutoMigrate() error {
	return s.db.AutoMigrate(&FlowNode{}, &FlowEdge{})
}

// ApplyToDocument applies one operation inside a transaction.
func (s *FlowStore) ApplyToDocument(ctx context.Context, flowID string, op flowop.Operation) error {
	if op.IsNoop() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch op.Type {
		case flowop.KindAddNode, flowop.KindUpdateNode:
			node, err := findNode(tx, flowID, op.TargetID)
			if err != nil {
				return err
			}
			if node == nil {
				if op.Type == flowop.KindUpdateNode {
					return &flowop.TargetNotFoundError{Kind: "node", ID: op.TargetID}
				}
				node = &FlowNode{FlowID: flowID, NodeID: op.TargetID}
			}
			node.Data = flowop.Merge(node.Data, op.Payload)
			return tx.Save(node).Error

		case flowop.KindDeleteNode:
			if err := tx.Where("flow_id = ? AND (source = ? OR target = ?)", flowID, op.TargetID, op.TargetID).
				Delete(&FlowEdge{}).Error; err != nil {
				return err
			}
			return tx.Where("flow_id = ? AND node_id = ?", flowID, op.TargetID).Delete(&FlowNode{}).Error

		case flowop.KindAddEdge, flowop.KindUpdateEdge:
			edge, err := findEdge(tx, flowID, op.TargetID)
			if err != nil {
				return err
			}
			if edge == nil {
				if op.Type == flowop.KindUpdateEdge {
					return &flowop.TargetNotFoundError{Kind: "edge", ID: op.TargetID}
				}
				edge = &FlowEdge{FlowID: flowID, EdgeID: op.TargetID}
			}
			edge.Data = flowop.Merge(edge.Data, op.Payload)
			edge.Source = edge.Data.String(flowop.FieldSource)
			edge.Target = edge.Data.String(flowop.FieldTarget)
			if err := checkEndpoints(tx, flowID, edge.Source, edge.Target); err != nil {
				return err
			}
			return tx.Save(edge).Error

		case flowop.KindDeleteEdge:
			return tx.Where("flow_id = ? AND edge_id = ?", flowID, op.TargetID).Delete(&FlowEdge{}).Error

		default:
			return fmt.Errorf("%w: unknown type %q", flowop.ErrInvalidOperation, op.Type)
		}
	})
}

// LoadFlow reads every node and edge of a flow. An unknown flow is empty.
func (s *FlowStore) LoadFlow(ctx context.Context, flowID string) (*flowop.Graph, error) {
	var (
		nodes []FlowNode
		edges []FlowEdge
	)
	db := s.db.WithContext(ctx)
	if err := db.Where("flow_id = ?", flowID).Find(&nodes).Error; err != nil {
		return nil, err
	}
	if err := db.Where("flow_id = ?", flowID).Find(&edges).Error; err != nil {
		return nil, err
	}
	g := flowop.NewGraph()
	for _, n := range nodes {
		g.Nodes[n.NodeID] = n.Data
	}
	for _, e := range edges {
		g.Edges[e.EdgeID] = e.Data
	}
	return g, nil
}

func findNode(tx *gorm.DB, flowID, nodeID string) (*FlowNode, error) {
	var n FlowNode
	err := tx.Where("flow_id = ? AND node_id = ?", flowID, nodeID).First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

func findEdge(tx *gorm.DB, flowID, edgeID string) (*FlowEdge, error) {
	var e FlowEdge
	err := tx.Where("flow_id = ? AND edge_id = ?", flowID, edgeID).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func checkEndpoints(tx *gorm.DB, flowID string, ids ...string) error {
	for _, id := range ids {
		var n int64
		if err := tx.Model(&FlowNode{}).Where("flow_id = ? AND node_id = ?", flowID, id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return &flowop.TargetNotFoundError{Kind: "node", ID: id}
		}
	}
	return nil
}
