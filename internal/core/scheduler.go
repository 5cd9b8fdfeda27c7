package core

import (
	"fmt"
	"math"
	"sort"
)

// Scheduler names accepted by NewScheduler.
const (
	SchedulerCosine = "cosine"
	SchedulerStepLR = "steplr"
)

// Scheduler adjusts the optimizer learning rate once per epoch.
type Scheduler interface {
	Step()
	LR() float64
}

// ScheduleConfig - parameters shared by the supported schedules
type ScheduleConfig struct {
	TMax       int
	EtaMin     float64
	Milestones []int
	Gamma      float64
}

// NewScheduler builds a named schedule bound to opt.
func NewScheduler(name string, opt *SGD, cfg ScheduleConfig) (Scheduler, error) {
	switch name {
	case SchedulerCosine:
		if cfg.TMax <= 0 {
			return nil, fmt.Errorf("cosine schedule needs t_max > 0: %w", ErrConfiguration)
		}
		return &CosineAnnealing{opt: opt, base: opt.BaseLR(), etaMin: cfg.EtaMin, tMax: cfg.TMax}, nil
	case SchedulerStepLR:
		ms := append([]int(nil), cfg.Milestones...)
		sort.Ints(ms)
		return &MultiStep{opt: opt, base: opt.BaseLR(), milestones: ms, gamma: cfg.Gamma}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q: %w", name, ErrConfiguration)
	}
}

// CosineAnnealing - lr = eta_min + (base - eta_min)(1 + cos(π·epoch/T_max))/2
type CosineAnnealing struct {
	opt    *SGD
	base   float64
	etaMin float64
	tMax   int
	epoch  int
}

func (s *CosineAnnealing) Step() {
	s.epoch++
	lr := s.etaMin + (s.base-s.etaMin)*(1+math.Cos(math.Pi*float64(s.epoch)/float64(s.tMax)))/2
	s.opt.SetLR(lr)
}

func (s *CosineAnnealing) LR() float64 { return s.opt.LR() }

// MultiStep - lr = base · gamma^(milestones passed)
type MultiStep struct {
	opt        *SGD
	base       float64
	milestones []int
	gamma      float64
	epoch      int
}

func (s *MultiStep) Step() {
	s.epoch++
	passed := sort.SearchInts(s.milestones, s.epoch+1)
	s.opt.SetLR(s.base * math.Pow(s.gamma, float64(passed)))
}

func (s *MultiStep) LR() float64 { return s.opt.LR() }
