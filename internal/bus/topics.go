package bus

import "fmt"

// Subject patterns. Point-to-point envelopes live on the EMPIRE stream
// under msg.>, dead letters on the EMPIRE_DLQ stream under dlq.>,
// broadcasts ride core NATS under bcast.>.

func TopicInbox(endpoint string, t MessageType) string {
	return fmt.Sprintf("msg.%s.%s", endpoint, t)
}

func TopicInboxAll(endpoint string) string {
	return fmt.Sprintf("msg.%s.>", endpoint)
}

func TopicBroadcast(t MessageType) string {
	return fmt.Sprintf("bcast.%s", t)
}

func TopicDeadLetter(endpoint string) string {
	return fmt.Sprintf("dlq.%s", endpoint)
}

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

func TopicEventsTask(workflowID string) string {
	return fmt.Sprintf("events.task.%s", workflowID)
}

const (
	TopicEventsAll         = "events.>"
	TopicEventsWorkflowAll = "events.workflow.>"
	TopicDeadLetterAll     = "dlq.>"
	TopicIPCRegistry       = "ipc.registry"
	TopicIPCOrchestrate    = "ipc.orchestrator"
)
