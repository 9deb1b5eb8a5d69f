package memory

// AssembleContext produces the exact ordered message list sent to the model
// for one turn:
//
//  1. the active persona prompt (system)
//  2. personality notes for the addressing user, when non-empty (system)
//  3. world context for the community, when non-empty (system)
//  4. the trimmed conversation history
//
// The ordering is deliberate: persona first, then durable user facts, then
// durable world facts, with the volatile transcript nearest the generation
// point. No trimming happens here — callers hand over history that is already
// within budget, and the assembler does not re-check the total.
func AssembleContext(persona, notes, world string, history []Message) []Message {
	out := make([]Message, 0, len(history)+3)
	out = append(out, Message{Role: RoleSystem, Text: persona})
	if notes != "" {
		out = append(out, Message{Role: RoleSystem, Text: notes})
	}
	if world != "" {
		out = append(out, Message{Role: RoleSystem, Text: world})
	}
	out = append(out, history...)
	return out
}
