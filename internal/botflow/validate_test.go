package botflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/models"
)

func validFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		Name:        "greeting",
		StartNodeID: "start",
		Nodes: []models.FlowNode{
			{NodeID: "start", Type: models.NodeMessage, Config: models.NodeConfig{
				Text: "Hola", AwaitReply: true, SaveResponse: "user_response", NextNodeID: "branch",
			}},
			{NodeID: "branch", Type: models.NodeCondition, Config: models.NodeConfig{
				Conditions: []models.Condition{
					{Variable: "user_response", Operator: OpEquals, Value: "1", TargetNode: "bye"},
				},
				ElseNodeID: "handoff",
			}},
			{NodeID: "bye", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Adios"}},
			{NodeID: "handoff", Type: models.NodeTransferAgent, Config: models.NodeConfig{
				HandoffText: "Te comunico con un agente",
			}},
		},
	}
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	require.NoError(t, Validate(validFlow()))
}

func TestValidateRejectsDanglingNextNode(t *testing.T) {
	flow := validFlow()
	flow.Nodes[2].Config.NextNodeID = "missing"
	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestValidateRejectsDanglingConditionTarget(t *testing.T) {
	flow := validFlow()
	flow.Nodes[1].Config.Conditions[0].TargetNode = "nowhere"
	assert.Error(t, Validate(flow))
}

func TestValidateRejectsConditionWithoutElse(t *testing.T) {
	flow := validFlow()
	flow.Nodes[1].Config.ElseNodeID = ""
	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "else")
}

func TestValidateRejectsUnknownOperator(t *testing.T) {
	flow := validFlow()
	flow.Nodes[1].Config.Conditions[0].Operator = "matches_regex"
	assert.Error(t, Validate(flow))
}

func TestValidateRejectsMissingStartNode(t *testing.T) {
	flow := validFlow()
	flow.StartNodeID = "elsewhere"
	assert.Error(t, Validate(flow))
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	flow := validFlow()
	flow.Nodes = append(flow.Nodes, models.FlowNode{NodeID: "bye", Type: models.NodeMessage})
	assert.Error(t, Validate(flow))
}

func TestValidateRejectsInputWithoutInvalidBranch(t *testing.T) {
	flow := validFlow()
	flow.Nodes = append(flow.Nodes, models.FlowNode{
		NodeID: "amount", Type: models.NodeInput,
		Config: models.NodeConfig{Variable: "amount", NumericOnly: true},
	})
	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid branch")
}
