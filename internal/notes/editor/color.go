package editor

import "hash/fnv"

var palette = []string{
	"#E57373", "#F06292", "#BA68C8", "#9575CD",
	"#7986CB", "#64B5F6", "#4FC3F7", "#4DD0E1",
	"#4DB6AC", "#81C784", "#AED581", "#FFB74D",
}

// ColorFor picks a stable roster color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
