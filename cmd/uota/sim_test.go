package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/peer"
)

func TestSimCycle(t *testing.T) {
	tests := []struct {
		drop float64
		kv   string
	}{
		{drop: 0},
		{drop: 0.5},
		{drop: 0.3, kv: "mem"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("drop=%v,kv=%q", tt.drop, tt.kv), func(t *testing.T) {
			log := logrus.New()
			log.SetOutput(io.Discard)
			ff := flashFlags{backend: "mem", size: 256 << 10, eraseSize: 4096}
			b, err := ff.open(log)
			if err != nil {
				t.Fatal(err)
			}
			data, err := simImage("", 20000, false)
			if err != nil {
				t.Fatal(err)
			}
			img := peer.Image{Version: "1.1.0", Data: data}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ef := engineFlags{version: "1.0.0", kvPath: tt.kv}
			if err := runSim(ctx, b, ef, img, tt.drop, 240, log); err != nil {
				t.Fatal(err)
			}

			rec, err := b.params.Read()
			if err != nil {
				t.Fatal(err)
			}
			if rec.Flags != 0 || rec.BootCount != 0 || rec.Version != "1.1.0" {
				t.Errorf("boot record after cycle = %+v", rec)
			}
			base := int(b.target.App.Base())
			got := b.dev.(interface{ Bytes() []byte }).Bytes()[base : base+len(data)]
			if !bytes.Equal(got, data) {
				t.Error("application bank does not hold the image")
			}
		})
	}
}

func TestSimRejectsOlderImage(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	ff := flashFlags{backend: "mem", size: 256 << 10, eraseSize: 4096}
	b, err := ff.open(log)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := simImage("", 8192, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = runSim(ctx, b, engineFlags{version: "2.0.0"}, peer.Image{Version: "1.0.0", Data: data}, 0, 240, log)
	if err == nil {
		t.Fatal("older image accepted")
	}
	if _, err := b.params.Read(); !errors.Is(err, bootparam.ErrCorruptRecord) {
		t.Errorf("boot record after rejected upload: err = %v", err)
	}
}
