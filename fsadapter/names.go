package fsadapter

import (
	"os/user"
	"strconv"
	"sync"
)

// lookupOwnerName/lookupGroupName resolve a uid/gid to a symbolic
// name for the archive's ownership fields, so a restore on another
// machine can fall back to the name when the numeric id doesn't carry
// across (§4.H). Lookups are cached; os/user shells out to NSS on
// some platforms and the same few ids repeat across most trees. No
// third-party library in the pack resolves platform user/group
// databases, so stdlib os/user is the justified choice here.
var (
	userCacheMu sync.Mutex
	userCache   = map[uint32]string{}
	groupCacheMu sync.Mutex
	groupCache   = map[uint32]string{}
)

func lookupOwnerName(uid uint32) string {
	userCacheMu.Lock()
	defer userCacheMu.Unlock()
	if name, ok := userCache[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	userCache[uid] = name
	return name
}

func lookupGroupName(gid uint32) string {
	groupCacheMu.Lock()
	defer groupCacheMu.Unlock()
	if name, ok := groupCache[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	groupCache[gid] = name
	return name
}
