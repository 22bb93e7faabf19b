package procgroup_test

import (
	"collcomm/procgroup"
	"collcomm/store"
	"collcomm/transport"
	"collcomm/transport/localconn"
)

// newGroups builds size ProcessGroups sharing one in-memory Network, one
// per rank, each with its own dispatcher and store -- the setup every
// test in this package uses to exercise the full dispatch engine and
// dense/sparse collective logic without a real transport.
func newGroups(size int) ([]*procgroup.ProcessGroup, func()) {
	net := localconn.NewNetwork(size)
	st := store.NewMemStore()
	groups := make([]*procgroup.ProcessGroup, size)
	for r := 0; r < size; r++ {
		ctx := localconn.NewContext(net, r)
		pg, err := procgroup.New(st, r, size, []transport.Context{ctx}, procgroup.Options{})
		if err != nil {
			panic(err)
		}
		groups[r] = pg
	}
	closeAll := func() {
		for _, pg := range groups {
			pg.Close()
		}
	}
	return groups, closeAll
}
