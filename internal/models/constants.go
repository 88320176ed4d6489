package models

const (
	ThinkTag         = `(?s)<think>.*?</think>`
	JSONArrayRegex   = `(?s)\[.*\]`
	ContextSeparator = "\n---\n"

	UnableToAnswer  = "unable to answer this part"
	NoRelevantFound = "No relevant content found in the documents."
)

var (
	CaptionPrompt = `Analyze this image and provide a detailed description.
Focus on:
1. Main objects, people, or content visible
2. Text or numbers if present
3. Charts, graphs, or diagrams if present
4. Overall context and purpose

Provide a description that would help someone understand the image content without seeing it.`

	// DecomposePromptTemplate takes the maximum number of sub-questions and the question.
	DecomposePromptTemplate = `You are an expert at breaking down complex questions into simpler, focused sub-questions.

Given this query: "%[2]s"

Break it down into 2-%[1]d simpler, specific sub-questions that together would answer the original query.
Each sub-question should:
1. Be independently answerable without the other sub-questions (replace pronouns with what they refer to)
2. Focus on one specific aspect
3. Be clear and concise

If the query is already a single simple question, return it unchanged as the only element.
Return ONLY a JSON array of strings, nothing else.
Example format: ["What is X?", "How does Y work?"]`

	// AnswerPromptTemplate takes the evidence, the prior sub-answers and the question.
	AnswerPromptTemplate = `Based on the following context from PDF documents, answer the question.

Context:
%s
%s
Question: %s

Instructions:
1. Answer only from the provided context
2. If the context includes tables, reference specific data points
3. If the context includes image captions, reference the visual information
4. Cite the page numbers the information comes from
5. If the context does not contain enough information, say so clearly`

	PriorAnswersHeader = "\nPreviously answered parts of the overall question:\n"

	// SynthesisPromptTemplate takes the original question and the sub-answers.
	SynthesisPromptTemplate = `You are combining answers to sub-questions into one coherent response.

Original question: "%s"

Sub-question answers:
%s

Instructions:
1. Write one answer that directly addresses the original question
2. Integrate the sub-answers smoothly instead of listing them
3. Keep the page citations from the sub-answers
4. Note any contradictions between sub-answers
5. If a part could not be answered, say which part`
)
