// Command tubelinedemo drives a small inc -> double -> echo pipeline
// (the chain named in the project's seed scenarios) from the command
// line, to exercise the public Stage/Pipeline API end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/creastat/tubeline"
	"github.com/creastat/tubeline/stage"
	"github.com/urfave/cli/v3"
)

func inc(ctx context.Context, task int) (int, error)    { return task + 1, nil }
func double(ctx context.Context, task int) (int, error) { return task * 2, nil }
func echo(ctx context.Context, task int) (int, error)   { return task, nil }

func run(ctx context.Context, cmd *cli.Command) error {
	workers := int(cmd.Int("workers"))
	count := int(cmd.Int("count"))
	ordered := cmd.Bool("ordered")
	describe := cmd.Bool("describe")

	s1 := stage.Simple("inc", inc, stage.WithWorkers[int, int](workers))
	s2 := stage.Simple("double", double, stage.WithWorkers[int, int](workers))
	s3 := stage.Simple("echo", echo, stage.WithWorkers[int, int](workers))
	if _, err := stage.Link[int, int, int](s1, s2); err != nil {
		return err
	}
	if _, err := stage.Link[int, int, int](s2, s3); err != nil {
		return err
	}

	p, err := tubeline.New[int, int](ctx, s1)
	if err != nil {
		return err
	}

	if describe {
		fmt.Println(p.Describe())
	}

	inputs := make([]int, count)
	for i := range inputs {
		inputs[i] = i
	}

	out, err := p.Run(ctx, inputs, ordered)
	if err != nil {
		return err
	}

	for r := range out {
		if r.Err != nil {
			return r.Err
		}
		fmt.Printf("%d -> %d\n", r.Index, r.Value)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "tubelinedemo",
		Usage: "run the inc -> double -> echo demo pipeline",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: 4, Usage: "workers per stage"},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 10, Usage: "number of inputs, 0..count-1"},
			&cli.BoolFlag{Name: "ordered", Aliases: []string{"o"}, Usage: "deliver results in input order"},
			&cli.BoolFlag{Name: "describe", Usage: "print the stage graph before running"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
