// Package tutor holds the domain model of a spoken-language tutoring session:
// sessions and their turn log, the action a tutor turn asks of the learner,
// per-turn correctness feedback, pronunciation assessments and the end-of-
// session performance report, together with the error taxonomy shared by
// every pipeline component.
//
// JSON tags on the LLM-produced records (Action, Feedback, SessionFeedback)
// are wire contracts: they match the schemas the models are asked to fill.
package tutor
