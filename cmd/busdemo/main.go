// busdemo wires two stack instances, on two distinct node addresses, to
// a shared in-process bus, runs a reliable handshake plus an SFP
// transfer between them, and prints the result. It exists to exercise
// pkg/stack end to end outside of `go test`, the way the teacher's
// cmd/get exercised its socket wrapper.
package main

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/linkdrv"
	"github.com/runZeroInc/nodestack/pkg/socket"
	"github.com/runZeroInc/nodestack/pkg/stack"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	bus := linkdrv.NewBus()

	const serverNode, clientNode uint8 = 50, 51

	server, err := stack.New(stack.Config{LocalNode: serverNode, Logger: log})
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	client, err := stack.New(stack.Config{LocalNode: clientNode, Logger: log})
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	mtu := wire.MTU + wire.HeaderSize
	if err := server.RegisterInterface(bus.NewPort("srv0", serverNode, mtu)); err != nil {
		log.Fatalf("register server iface: %v", err)
	}
	if err := client.RegisterInterface(bus.NewPort("cli0", clientNode, mtu)); err != nil {
		log.Fatalf("register client iface: %v", err)
	}
	if err := server.LoadRoutes("51:srv0"); err != nil {
		log.Fatalf("server routes: %v", err)
	}
	if err := client.LoadRoutes("50:cli0"); err != nil {
		log.Fatalf("client routes: %v", err)
	}

	listener := server.Socket(socket.Reliable)
	if err := server.Bind(listener, 10); err != nil {
		log.Fatalf("bind listener: %v", err)
	}
	if err := server.Listen(listener); err != nil {
		log.Fatalf("listen: %v", err)
	}

	clientSock := client.Socket(socket.Reliable)
	if err := client.Bind(clientSock, 11); err != nil {
		log.Fatalf("bind client: %v", err)
	}

	acceptedCh := make(chan *socket.Socket, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		accepted, err := server.Accept(ctx, listener)
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		acceptedCh <- accepted
	}()

	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx, clientSock, 50, 10); err != nil {
		log.Fatalf("connect: %v", err)
	}
	accepted := <-acceptedCh

	sendCtx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if _, err := client.Send(sendCtx, clientSock, []byte("SecureData")); err != nil {
		log.Fatalf("send: %v", err)
	}

	buf := make([]byte, 64)
	recvCtx, cancel3 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel3()
	n, err := server.Recv(recvCtx, accepted, buf)
	if err != nil {
		log.Fatalf("recv: %v", err)
	}
	log.Infof("reliable round trip: %q", buf[:n])

	payload := bytes.Repeat([]byte("A"), 512)
	sfpDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sfpDone <- client.SendSFP(ctx, clientSock, payload)
	}()
	sfpCtx, cancel4 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel4()
	chain, err := server.RecvSFP(sfpCtx, accepted)
	if err != nil {
		log.Fatalf("recv_sfp: %v", err)
	}
	if err := <-sfpDone; err != nil {
		log.Fatalf("send_sfp: %v", err)
	}
	frags := 0
	for pk := chain; pk != nil; pk = pk.Next {
		frags++
	}
	log.Infof("sfp transfer: %d bytes reassembled into %d fragments", len(payload), frags)
	server.BufferFreeChain(chain)

	server.PrintStats(func(line string) { log.Info("server: ", line) })

	if err := client.Close(clientSock); err != nil {
		log.Fatalf("close: %v", err)
	}
}
