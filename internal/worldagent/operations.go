package worldagent

import (
	"fmt"
	"log/slog"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// applyOperationSafely runs ApplyOperation under its own recover so a single
// malformed operation in a delta batch never drops the remaining operations.
func applyOperationSafely(world *novel.WorldStructure, op Operation, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("world structure operation panicked, skipping", "op", op.Kind, "panic", r)
		}
	}()
	if err := ApplyOperation(world, op); err != nil {
		logger.Warn("world structure operation failed, skipping", "op", op.Kind, "error", err)
	}
}

// ApplyOperation mutates world according to a single delta operation. An
// unrecognized op.Kind is an error, not a panic, so callers outside the
// gated LLM delta path can apply operations without needing recover().
func ApplyOperation(world *novel.WorldStructure, op Operation) error {
	switch op.Kind {
	case OpNoChange:
		return nil
	case OpAddLayer:
		return applyAddLayer(world, op.Args)
	case OpAddRegion:
		return applyAddRegion(world, op.Args)
	case OpAddPortal:
		return applyAddPortal(world, op.Args)
	case OpAssignLocation:
		return applyAssignLocation(world, op.Args)
	case OpUpdateRegion:
		return applyUpdateRegion(world, op.Args)
	case OpSetTier:
		return applySetTier(world, op.Args)
	case OpSetIcon:
		return applySetIcon(world, op.Args)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argBool(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func applyAddLayer(world *novel.WorldStructure, args map[string]any) error {
	layerID, ok := argString(args, "layer_id")
	if !ok || layerID == "" {
		return fmt.Errorf("ADD_LAYER missing layer_id")
	}
	if world.HasLayer(layerID) {
		return nil
	}
	name, _ := argString(args, "name")
	layerType, _ := argString(args, "layer_type")
	world.Layers = append(world.Layers, novel.Layer{
		LayerID:   layerID,
		Name:      name,
		LayerType: novel.LayerType(layerType),
	})
	return nil
}

func applyAddRegion(world *novel.WorldStructure, args map[string]any) error {
	layerID, ok := argString(args, "layer_id")
	if !ok {
		return fmt.Errorf("ADD_REGION missing layer_id")
	}
	name, ok := argString(args, "name")
	if !ok || name == "" {
		return fmt.Errorf("ADD_REGION missing name")
	}
	direction, _ := argString(args, "cardinal_direction")
	regionType, _ := argString(args, "region_type")
	parent, _ := argString(args, "parent_region")

	for i := range world.Layers {
		if world.Layers[i].LayerID != layerID {
			continue
		}
		for _, r := range world.Layers[i].Regions {
			if r.Name == name {
				return nil
			}
		}
		world.Layers[i].Regions = append(world.Layers[i].Regions, novel.Region{
			Name:              name,
			CardinalDirection: novel.CardinalDirection(direction),
			RegionType:        regionType,
			ParentRegion:      parent,
		})
		return nil
	}
	return fmt.Errorf("ADD_REGION unknown layer_id %q", layerID)
}

func applyAddPortal(world *novel.WorldStructure, args map[string]any) error {
	name, ok := argString(args, "name")
	if !ok || name == "" {
		return fmt.Errorf("ADD_PORTAL missing name")
	}
	sourceLayer, _ := argString(args, "source_layer")
	sourceLoc, _ := argString(args, "source_location")
	targetLayer, _ := argString(args, "target_layer")
	targetLoc, _ := argString(args, "target_location")

	if !world.HasLayer(sourceLayer) || !world.HasLayer(targetLayer) {
		return fmt.Errorf("ADD_PORTAL %q references unknown layer (source_layer=%q, target_layer=%q)", name, sourceLayer, targetLayer)
	}

	for _, p := range world.Portals {
		if p.Name == name {
			return nil
		}
	}
	world.Portals = append(world.Portals, novel.Portal{
		Name:            name,
		SourceLayer:     sourceLayer,
		SourceLocation:  sourceLoc,
		TargetLayer:     targetLayer,
		TargetLocation:  targetLoc,
		IsBidirectional: argBool(args, "is_bidirectional"),
	})
	return nil
}

func applyAssignLocation(world *novel.WorldStructure, args map[string]any) error {
	location, ok := argString(args, "location")
	if !ok || location == "" {
		return fmt.Errorf("ASSIGN_LOCATION missing location")
	}
	if region, ok := argString(args, "region"); ok && region != "" {
		world.LocationRegionMap[location] = region
	}
	if layerID, ok := argString(args, "layer_id"); ok && layerID != "" {
		world.LocationLayerMap[location] = layerID
	}
	if parent, ok := argString(args, "parent"); ok && parent != "" {
		world.LocationParents[location] = parent
	}
	return nil
}

func applyUpdateRegion(world *novel.WorldStructure, args map[string]any) error {
	name, ok := argString(args, "name")
	if !ok || name == "" {
		return fmt.Errorf("UPDATE_REGION missing name")
	}
	for i := range world.Layers {
		for j := range world.Layers[i].Regions {
			if world.Layers[i].Regions[j].Name != name {
				continue
			}
			if direction, ok := argString(args, "cardinal_direction"); ok {
				world.Layers[i].Regions[j].CardinalDirection = novel.CardinalDirection(direction)
			}
			if description, ok := argString(args, "description"); ok {
				world.Layers[i].Regions[j].Description = description
			}
			return nil
		}
	}
	return fmt.Errorf("UPDATE_REGION unknown region %q", name)
}

func applySetTier(world *novel.WorldStructure, args map[string]any) error {
	location, ok := argString(args, "location")
	if !ok || location == "" {
		return fmt.Errorf("SET_TIER missing location")
	}
	tier, ok := argString(args, "tier")
	if !ok || tier == "" {
		return fmt.Errorf("SET_TIER missing tier")
	}
	world.LocationTiers[location] = novel.LocationTier(tier)
	return nil
}

func applySetIcon(world *novel.WorldStructure, args map[string]any) error {
	location, ok := argString(args, "location")
	if !ok || location == "" {
		return fmt.Errorf("SET_ICON missing location")
	}
	icon, ok := argString(args, "icon_hint")
	if !ok || icon == "" {
		return fmt.Errorf("SET_ICON missing icon_hint")
	}
	world.LocationIcons[location] = icon
	return nil
}
