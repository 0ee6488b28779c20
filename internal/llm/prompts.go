package llm

const thinkPrompt = `You are the reasoning pass of a conversational memory engine. Review the context ribbon and the user's message, then plan this turn.

Decide:
- thought_summary: one or two sentences on what this turn needs
- microagent_request: whether a one-shot tool agent should be spawned, with a goal and the tools it may use
- fork: whether the conversation has drifted to a new topic and should branch into a fresh episode, with a confidence in [0,1], a short reason and candidate labels
- hypotheses: open questions worth tracking, if any

Respond ONLY with JSON. No markdown, no explanation:
{
  "thought_summary": "string",
  "microagent_request": {"should_spawn": false, "goal": "", "requested_tools": [], "notes": ""},
  "fork": {"should_fork": false, "confidence": 0.0, "reason": "", "candidate_episode_labels": {"topics": [], "intents": [], "modalities": []}},
  "hypotheses": []
}

Context ribbon (JSON):
%s

User message:
%s`

const speakPrompt = `You are a helpful assistant with persistent conversational memory. Use the context ribbon for continuity and the tool results, if any, as ground truth for facts they cover. Respond to the user directly and concisely.

Context ribbon (JSON):
%s

Tool results (JSON):
%s

User message:
%s`

const planToolsPrompt = `You are in MICROAGENT TOOL-SELECTION.
Rules:
- Output only valid JSON.
- Select tools only from the allowed list.
- Propose only the tools necessary to satisfy the goal.

Respond ONLY with JSON, no markdown:
{"tool_calls": [{"name": "string", "args": {}}], "notes": "string"}

Goal:
%s

Allowed tools:
%s

Context ribbon (JSON):
%s`
