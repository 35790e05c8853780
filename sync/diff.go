// Package sync reconciles a local revision tree with the same project held
// by a remote backend.
//
// A session runs through a fixed sequence of phases:
//
//  1. FetchingIndex: GET the remote project (create it when missing)
//  2. Diffing: compare local and remote identifier sets
//  3. ApplyingRemote: insert remote-only revisions as shallow nodes
//  4. FetchingPayloads: complete shallow revisions, one GET each
//  5. PushingLocal: PUT local-only revisions, parents strictly first
//  6. UpdatingHead: PUT the project head once it is fully present remotely
//
// Revisions are append-only on both sides, so every session is safe to
// re-run: finished work shows up in the next diff as already reconciled.
package sync

import "github.com/teranos/revsync/vcs"

// Diff partitions the symmetric difference of two identifier sets.
// remoteOnly holds ids present only in remote, localOnly ids present only in
// local. An id present on both sides is reconciled regardless of whether its
// payload has been fetched.
func Diff(local, remote vcs.IDSet) (remoteOnly, localOnly vcs.IDSet) {
	remoteOnly = make(vcs.IDSet)
	localOnly = make(vcs.IDSet)

	for id := range remote {
		if !local.Has(id) {
			remoteOnly.Add(id)
		}
	}
	for id := range local {
		if !remote.Has(id) {
			localOnly.Add(id)
		}
	}
	return remoteOnly, localOnly
}
