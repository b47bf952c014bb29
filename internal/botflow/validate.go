package botflow

import (
	"fmt"

	"chatrouter/internal/models"
)

// Validate checks a flow graph for structural corruption before it is
// activated. A flow that passes validation can be traversed without any
// reference resolving to a non-existent node, so traversal never has to
// handle dangling targets. Configuration errors fail here, at activation
// time, never mid-conversation.
func Validate(flow *models.FlowDefinition) error {
	if flow.StartNodeID == "" {
		return fmt.Errorf("flow %q has no start node", flow.Name)
	}
	if len(flow.Nodes) == 0 {
		return fmt.Errorf("flow %q has no nodes", flow.Name)
	}

	nodes := make(map[string]*models.FlowNode, len(flow.Nodes))
	for i := range flow.Nodes {
		node := &flow.Nodes[i]
		if node.NodeID == "" {
			return fmt.Errorf("flow %q contains a node without an id", flow.Name)
		}
		if _, dup := nodes[node.NodeID]; dup {
			return fmt.Errorf("flow %q has duplicate node id %q", flow.Name, node.NodeID)
		}
		nodes[node.NodeID] = node
	}

	if _, ok := nodes[flow.StartNodeID]; !ok {
		return fmt.Errorf("flow %q start node %q does not exist", flow.Name, flow.StartNodeID)
	}

	ref := func(from, field, target string) error {
		if target == "" {
			return nil
		}
		if _, ok := nodes[target]; !ok {
			return fmt.Errorf("flow %q node %q: %s references missing node %q",
				flow.Name, from, field, target)
		}
		return nil
	}

	for id, node := range nodes {
		cfg := node.Config
		if err := ref(id, "nextNodeId", cfg.NextNodeID); err != nil {
			return err
		}
		if err := ref(id, "timeoutNodeId", cfg.TimeoutNodeID); err != nil {
			return err
		}

		switch node.Type {
		case models.NodeMessage:
			if cfg.SaveResponse != "" && !cfg.AwaitReply {
				return fmt.Errorf("flow %q node %q: saveResponse requires awaiting the reply",
					flow.Name, id)
			}
		case models.NodeInput:
			if cfg.Variable == "" {
				return fmt.Errorf("flow %q node %q: INPUT node has no target variable", flow.Name, id)
			}
			if cfg.InvalidNodeID == "" {
				return fmt.Errorf("flow %q node %q: INPUT node has no invalid branch", flow.Name, id)
			}
			if err := ref(id, "invalidNodeId", cfg.InvalidNodeID); err != nil {
				return err
			}
		case models.NodeCondition:
			if len(cfg.Conditions) == 0 {
				return fmt.Errorf("flow %q node %q: CONDITION node has no conditions", flow.Name, id)
			}
			// The else branch is mandatory: a fall-through with no target
			// is a configuration error, not a default to guess.
			if cfg.ElseNodeID == "" {
				return fmt.Errorf("flow %q node %q: CONDITION node has no else branch", flow.Name, id)
			}
			if err := ref(id, "elseNodeId", cfg.ElseNodeID); err != nil {
				return err
			}
			for i, cond := range cfg.Conditions {
				if cond.Variable == "" || cond.TargetNode == "" {
					return fmt.Errorf("flow %q node %q: condition %d is incomplete", flow.Name, id, i)
				}
				switch cond.Operator {
				case OpEquals, OpEqualsCI, OpContains:
				default:
					return fmt.Errorf("flow %q node %q: condition %d has unknown operator %q",
						flow.Name, id, i, cond.Operator)
				}
				if err := ref(id, fmt.Sprintf("condition[%d]", i), cond.TargetNode); err != nil {
					return err
				}
			}
		case models.NodeTransferAgent:
			// Handoff text optional; strategy name resolved at enqueue time.
		default:
			return fmt.Errorf("flow %q node %q: unknown node type %q", flow.Name, id, node.Type)
		}
	}
	return nil
}
