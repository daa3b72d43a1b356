package abi

// Rights is the preview1 capability bitset attached to every file
// descriptor. An operation on an fd is permitted only if the corresponding
// bit is present in the descriptor's granted set.
type Rights uint64

const (
	RightsFdDatasync        Rights = 1 << 0
	RightsFdRead            Rights = 1 << 1
	RightsFdSeek            Rights = 1 << 2
	RightsFdFdstatSetFlags  Rights = 1 << 3
	RightsFdSync            Rights = 1 << 4
	RightsFdTell            Rights = 1 << 5
	RightsFdWrite           Rights = 1 << 6
	RightsFdAdvise          Rights = 1 << 7
	RightsFdAllocate        Rights = 1 << 8
	RightsPathOpen          Rights = 1 << 13
	RightsFdReaddir         Rights = 1 << 14
	RightsFdFilestatGet     Rights = 1 << 21
	RightsPollFdReadwrite   Rights = 1 << 27
	RightsSockShutdown      Rights = 1 << 28
	RightsSockAccept        Rights = 1 << 29
)

// FileRights is the default grant for regular file descriptors.
const FileRights = RightsFdDatasync | RightsFdRead | RightsFdSeek |
	RightsFdFdstatSetFlags | RightsFdSync | RightsFdTell | RightsFdWrite |
	RightsFdAdvise | RightsFdAllocate | RightsFdFilestatGet |
	RightsPollFdReadwrite

// Contains reports whether every bit of want is granted.
func (r Rights) Contains(want Rights) bool { return r&want == want }
