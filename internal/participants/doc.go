// Package participants implements the composable room-membership reducer.
//
// The reducer tracks who is in a room, which member is host and when each
// member was last seen. It is a pure engine.Spec: every transition returns a
// new State and never mutates the one it received.
//
// Membership ordering:
// Order lists the currently joined participant ids in join order. A
// participant that leaves is removed from both ByID and Order; a later
// rejoin appends it again at the end.
//
// Host election:
// The first participant to join an empty room becomes host. When the host
// leaves, the first remaining participant in Order that was seen within
// OnlineWindowMillis of the leave becomes host; failing that, the first
// remaining participant. When the last participant leaves, the room closes.
package participants
