package rref

import "github.com/glycerine/ipaddr"

// WorkerInfo identifies a cluster node: a small integer id and a name,
// plus the network address the Agent contract resolves peers through.
type WorkerInfo struct {
	Id      WorkerId
	Name    string
	NetAddr string
}

// ResolveSelfNetAddr fills in NetAddr with this host's externally
// reachable address when the caller did not supply one, using
// ipaddr.GetExternalIP() to discover it at startup.
func ResolveSelfNetAddr(netAddr string) string {
	if netAddr != "" {
		return netAddr
	}
	return ipaddr.GetExternalIP()
}
