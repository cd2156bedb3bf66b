package engine

import "fmt"

// Canned texts fed back to the model as the user turn.

const toolUseReminder = `# Reminder: Instructions for Tool Use

Tool uses are formatted using XML-style tags. The tool name is enclosed in opening and closing tags, and each parameter is similarly enclosed within its own set of tags. Here's the structure:

<tool_name>
<parameter1_name>value1</parameter1_name>
<parameter2_name>value2</parameter2_name>
...
</tool_name>

For example:

<attempt_completion>
<result>
I have completed the task...
</result>
</attempt_completion>

Always adhere to this format for all tool uses to ensure proper parsing and execution.`

func toolDenied() string {
	return "The user denied this operation."
}

func toolDeniedWithFeedback(feedback string) string {
	return fmt.Sprintf("The user denied this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>", feedback)
}

func toolError(msg string) string {
	return fmt.Sprintf("The tool execution failed with the following error:\n<error>\n%s\n</error>", msg)
}

func noToolsUsed() string {
	return `[ERROR] You did not use a tool in your previous response! Please retry with a tool use.

` + toolUseReminder + `

# Next Steps

If you have completed the user's task, use the attempt_completion tool.
If you require additional information from the user, use the ask_followup_question tool.
Otherwise, if you have not completed the task and do not need additional information, then proceed with the next step of the task.
(This is an automated message, so do not respond to it conversationally.)`
}

func missingToolParameter(param string) string {
	return fmt.Sprintf("Missing value for required parameter '%s'. Please retry with complete response.\n\n%s", param, toolUseReminder)
}

func toolResult(call string, out string) string {
	return fmt.Sprintf("[%s] Result:\n%s", call, out)
}

func userFeedback(text string) string {
	return fmt.Sprintf("<feedback>\n%s\n</feedback>", text)
}

func followupAnswer(text string) string {
	return fmt.Sprintf("<answer>\n%s\n</answer>", text)
}

func taskInput(text string) string {
	return fmt.Sprintf("<task>\n%s\n</task>", text)
}

func taskResumption(ago string, feedback string) string {
	msg := fmt.Sprintf("[TASK RESUMPTION] This task was interrupted %s. It may or may not be complete, so please reassess the task context. Be aware that the project state may have changed since then. If the task has not been completed, retry the last step before interruption and proceed with completing the task.", ago)
	if feedback != "" {
		msg += "\n\nNew instructions for task continuation:\n" + userFeedback(feedback)
	}
	return msg
}
