// cmd/member/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"collcomm/accel"
	"collcomm/procgroup"
	"collcomm/store"
	"collcomm/tensor"
	"collcomm/transport"
	"collcomm/transport/grpcconn"

	"google.golang.org/grpc"
)

func main() {
	hub := flag.Bool("hub", false, "run as the rendezvous hub instead of a member")
	addr := flag.String("addr", ":50051", "hub listen address, or the hub address to dial as a member")
	rank := flag.Int("rank", 0, "this member's rank")
	size := flag.Int("size", 1, "number of ranks in the process group")
	devices := flag.String("devices", "", "comma-separated accelerator device ids to stage tensors on, e.g. 0,1")
	threads := flag.Int("threads", 2, "dispatch worker pool size")
	timeout := flag.Duration("timeout", 10*time.Second, "procgroup.Options.Timeout; not applied to Work waits, which are bounded only by their context")
	flag.Parse()

	if *hub {
		runHub(*addr, *size)
		return
	}
	runMember(*addr, *rank, *size, *devices, *threads, *timeout)
}

func runHub(addr string, size int) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	h := grpcconn.NewHub(size)
	grpcServer := grpc.NewServer()
	h.Serve(grpcServer)

	log.Printf("collcomm hub listening at %v for %d ranks", lis.Addr(), size)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func runMember(addr string, rank, size int, devicesFlag string, threads int, timeout time.Duration) {
	ctx := context.Background()

	tctx, err := grpcconn.Dial(ctx, addr, rank, size)
	if err != nil {
		log.Fatalf("rank %d: failed to dial hub at %s: %v", rank, addr, err)
	}

	opts := procgroup.Options{Threads: threads, Timeout: timeout}
	for _, id := range parseDeviceIDs(devicesFlag) {
		opts.Devices = append(opts.Devices, id)
	}

	pg, err := procgroup.New(store.NewMemStore(), rank, size, []transport.Context{tctx}, opts)
	if err != nil {
		log.Fatalf("rank %d: failed to construct process group: %v", rank, err)
	}
	defer pg.Close()

	log.Printf("rank %d/%d attached to hub %s as %q", rank, size, addr, pg.Name())

	data := tensor.New(tensor.Float32, []int64{4})
	for i := int64(0); i < 4; i++ {
		data.SetFloat64At(i, float64(rank+1))
	}

	work, err := pg.Allreduce(ctx, []*tensor.Tensor{data}, tensor.Sum)
	if err != nil {
		log.Fatalf("rank %d: allreduce: %v", rank, err)
	}
	if err := work.Wait(ctx); err != nil {
		log.Fatalf("rank %d: allreduce failed: %v", rank, err)
	}

	result := work.Result()[0]
	vals := make([]float64, result.Numel())
	for i := range vals {
		vals[i] = result.Float64At(int64(i))
	}
	fmt.Printf("rank %d: allreduce(sum) result = %v\n", rank, vals)

	barrier, err := pg.Barrier(ctx)
	if err != nil {
		log.Fatalf("rank %d: barrier: %v", rank, err)
	}
	if err := barrier.Wait(ctx); err != nil {
		log.Fatalf("rank %d: barrier failed: %v", rank, err)
	}
}

func parseDeviceIDs(flagVal string) []accel.DeviceID {
	flagVal = strings.TrimSpace(flagVal)
	if flagVal == "" {
		return nil
	}
	var ids []accel.DeviceID
	for _, part := range strings.Split(flagVal, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err != nil {
			log.Fatalf("invalid device id %q: %v", part, err)
		}
		ids = append(ids, accel.DeviceID(n))
	}
	return ids
}
