package session

import (
	"fmt"
	"strings"
)

// MonolithicPath is the legacy single-object path:
// recordings/{sessionId}/{sessionId}_{timestamp}.{ext}
func MonolithicPath(sessionID string, timestamp int64, ext string) string {
	return fmt.Sprintf("recordings/%s/%s_%d.%s", sessionID, sessionID, timestamp, cleanExt(ext))
}

// FinalPath is the user-scoped single-object path:
// users/{userId}/recordings/{sessionId}/final/recording.{ext}
func FinalPath(id ID, ext string) string {
	return fmt.Sprintf("%s/final/recording.%s", sessionRoot(id), cleanExt(ext))
}

// ChunkPrefix is the folder holding progressive chunks for a session
func ChunkPrefix(id ID) string {
	return sessionRoot(id) + "/chunks/"
}

// ChunkPath is the user-scoped progressive chunk path:
// users/{userId}/recordings/{sessionId}/chunks/chunk-{index}
func ChunkPath(id ID, index int) string {
	return fmt.Sprintf("%schunk-%d", ChunkPrefix(id), index)
}

func sessionRoot(id ID) string {
	return fmt.Sprintf("users/%s/recordings/%s", id.UserID, id.String())
}

func cleanExt(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
