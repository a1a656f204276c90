// Package parley implements the runtime model for Parley, a small
// BASIC-flavored scripting language for conversational agents.
//
// Parley scripts describe how a bot talks: what it says, what it
// remembers, which tools it exposes, and how it cooperates with other
// bots. This package holds the language-independent runtime pieces;
// the basic package compiles and executes the scripts themselves.
//
// # Values
//
// Every piece of script data is a Value: null, boolean, number,
// string, array, or map. Values convert loosely the way the language
// does (numbers format without trailing zeros, anything can be asked
// for its truthiness) and round-trip through JSON:
//
//	v := parley.M(map[string]parley.Value{
//	    "name":  parley.S("Ada"),
//	    "score": parley.N(42),
//	})
//	fmt.Println(v.JSON()) // {"name":"Ada","score":42}
//
// # Scopes and memory
//
// Variables resolve through layered scopes: session locals shadow bot
// globals, which shadow persistent memory. The MemoryStore interface
// abstracts the persistent layers: bot memory, per-user memory, and
// ephemeral memory with a TTL. Lookups that miss return Null rather
// than an error, matching the language's forgiving reads.
//
// # Sessions
//
// A Session carries one user's conversation with one bot: its scope,
// transcript, pending input, reply suggestions, and the knowledge
// bases and tools the script has switched on. Output flows through an
// OutputFunc so the same script serves a console, an HTTP turn
// endpoint, or a Telegram chat unchanged.
//
// # Agent-to-agent messaging
//
// Bots cooperate through the Exchange, which routes Envelopes between
// local agents and, via an optional Router, remote peers:
//
//	x := parley.NewExchange(parley.DefaultA2AConfig())
//	x.Register(agent)
//	result, state, err := x.Delegate(ctx, sessionID, "triage", "billing", task, 0, 30*time.Second)
//
// Delegation parks the caller on a Future until the response envelope
// arrives or the timeout fires. Broadcast fans a payload out to many
// agents without waiting; handoff transfers a live session wholesale.
// Envelopes carry a hop count so delegation chains cannot recurse
// forever, and a TTL so stale traffic is dropped rather than replayed.
//
// # Reflection
//
// A Reflector periodically samples live sessions and asks the LLM to
// score the conversation, storing the resulting Insight where scripts
// and operators can read it.
//
// All exported types are safe for concurrent use unless noted
// otherwise.
package parley
