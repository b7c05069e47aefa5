package devserver

import (
	"fmt"
	"strings"

	"github.com/chatsync/internal/middleware"
)

// ParseUsers reads a "token:id:name,..." table. The name is optional and
// defaults to the id.
func ParseUsers(s string) (map[string]middleware.Identity, error) {
	users := make(map[string]middleware.Identity)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("devserver.ParseUsers: bad entry %q", entry)
		}
		id := middleware.Identity{ID: parts[1], Name: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			id.Name = parts[2]
		}
		if _, dup := users[parts[0]]; dup {
			return nil, fmt.Errorf("devserver.ParseUsers: duplicate token for %s", id.ID)
		}
		users[parts[0]] = id
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("devserver.ParseUsers: no users")
	}
	return users, nil
}
