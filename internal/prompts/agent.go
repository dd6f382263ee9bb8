package prompts

// EmptyResponseNudge is sent when the model returns neither text nor
// tool calls. It gives the model another chance to respond.
const EmptyResponseNudge = "Your last reply was empty. Either call a tool or write the final insights now."
