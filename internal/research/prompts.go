package research

const queryPrompt = `You are generating web search queries for one section of a report.

Report topic: %s
Section: %s
Section description: %s

Write %d distinct, specific search queries that would find authoritative, recent sources for this section.
Return one query per line with no commentary.`

const writePrompt = `You are an expert technical writer crafting one section of a report.

Report topic: %s
Section: %s
Section description: %s

Guidelines:
- Use ## for the section title (Markdown)
- 150-200 words, concrete details over general statements
- Start with the most important insight in bold
- At most one structural element (table or list), only if it clarifies the point
- Include at least one specific example
- End with ### Sources listing the sources used as "- Title : URL"
- No preamble

Source material:
%s`

const reducedWritePrompt = `Write a concise Markdown section (## title) for a report on "%s".
Section: %s (%s)
Use at most %d words and only the facts in the material below. No preamble.

Material:
%s`

const synthesizePrompt = `You are an expert technical writer crafting a section that synthesizes the rest of the report.

Report topic: %s
Section to write: %s - %s

For an introduction: use # for the report title, 50-100 words, no lists or tables, no sources.
For a conclusion or summary: use ## for the title, 100-150 words, at most one table or short list, end with next steps or implications, no sources.
Markdown only, no word counts or preamble.

Available report content:
%s`
