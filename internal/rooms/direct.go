package rooms

// ResolveDirect returns the canonical room shared by connections a and b. It
// is pure and commutative; callers materialize the room with EnsureRoom.
func ResolveDirect(a, b string) RoomID {
	return Direct(a, b)
}
