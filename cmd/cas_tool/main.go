// cas_tool is a single-purpose utility exposing one cascache.Cache
// operation per invocation, in the vein of bb_copy: a configuration
// file names the operation and its arguments, the tool runs it, and
// exits. There is no long-running server here; cas_tool is driven by
// a caller the way cascache.py was driven directly by its owning
// process, one call at a time.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/buildstream/cascache/pkg/cascache"
	"github.com/buildstream/cascache/pkg/configuration"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/remote"
	"github.com/buildstream/cascache/pkg/util"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("Usage: cas_tool cas_tool.jsonnet")
	}
	var appConfig configuration.ApplicationConfiguration
	if err := util.UnmarshalConfigurationFromFile(os.Args[1], &appConfig); err != nil {
		log.Fatalf("Failed to read configuration from %s: %s", os.Args[1], err)
	}

	cache, err := cascache.Open(appConfig.CasRoot)
	if err != nil {
		log.Fatal("Failed to open CAS root: ", err)
	}

	if err := run(context.Background(), &appConfig, cache); err != nil {
		log.Fatal(err)
	}
}

// dialRemote connects to the server named by rc, returning a CAS
// client and the underlying connection to close afterwards.
func dialRemote(rc *configuration.RemoteConfiguration) (remote.CAS, *grpc.ClientConn, error) {
	conn, err := grpc.Dial(rc.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	cas := remote.NewGRPCCAS(conn, uuid.NewRandom, rc.ReadChunkSizeBytes, rc.EnableZSTDCompression)
	return cas, conn, nil
}

func run(ctx context.Context, c *configuration.ApplicationConfiguration, cache *cascache.Cache) error {
	switch c.Operation {
	case configuration.OperationPreflight:
		return cache.Preflight()

	case configuration.OperationContains:
		d, err := digest.ParseDigest(c.Digest)
		if err != nil {
			return err
		}
		log.Print("contains: ", cache.Contains(d))
		return nil

	case configuration.OperationContainsSubdirArtifact:
		present, err := cache.ContainsSubdirArtifact(c.Ref, c.Subdir)
		if err != nil {
			return err
		}
		log.Print("contains_subdir_artifact: ", present)
		return nil

	case configuration.OperationCommit:
		root, err := cache.Commit(c.Refs, c.Path)
		if err != nil {
			return err
		}
		log.Print("committed: ", root.String())
		return nil

	case configuration.OperationExtract:
		final, err := cache.Extract(c.Ref, c.Path, c.Subdir)
		if err != nil {
			return err
		}
		log.Print("extracted to: ", final)
		return nil

	case configuration.OperationDiff:
		result, err := cache.Diff(c.RefA, c.RefB, c.Subdir)
		if err != nil {
			return err
		}
		log.Printf("added: %v, removed: %v, modified: %v", result.Added, result.Removed, result.Modified)
		return nil

	case configuration.OperationPush:
		return runPush(ctx, c, cache)

	case configuration.OperationPushDirectory:
		cas, conn, err := dialRemote(c.Remote)
		if err != nil {
			return err
		}
		defer conn.Close()
		d, err := digest.ParseDigest(c.Digest)
		if err != nil {
			return err
		}
		result, err := cache.PushDirectory(ctx, cas, d)
		if err != nil {
			return err
		}
		log.Print("skipped: ", result.Skipped)
		return nil

	case configuration.OperationPull:
		cas, conn, err := dialRemote(c.Remote)
		if err != nil {
			return err
		}
		defer conn.Close()
		excluded := make(map[string]struct{}, len(c.ExcludedSubdirs))
		for _, subdir := range c.ExcludedSubdirs {
			excluded[subdir] = struct{}{}
		}
		found, err := cache.Pull(ctx, cas, c.Ref, excluded)
		if err != nil {
			return err
		}
		log.Print("found: ", found)
		return nil

	case configuration.OperationPullTree:
		cas, conn, err := dialRemote(c.Remote)
		if err != nil {
			return err
		}
		defer conn.Close()
		d, err := digest.ParseDigest(c.Digest)
		if err != nil {
			return err
		}
		root, err := cache.PullTree(ctx, cas, d)
		if err != nil {
			return err
		}
		log.Print("root: ", root.String())
		return nil

	case configuration.OperationLinkRef:
		return cache.LinkRef(c.Ref, c.NewRef)

	case configuration.OperationSetRef:
		d, err := digest.ParseDigest(c.Digest)
		if err != nil {
			return err
		}
		return cache.SetRef(c.Ref, d)

	case configuration.OperationResolveRef:
		d, err := cache.ResolveRef(c.Ref, true)
		if err != nil {
			return err
		}
		log.Print("resolved: ", d.String())
		return nil

	case configuration.OperationUpdateMtime:
		d, err := digest.ParseDigest(c.Digest)
		if err != nil {
			return err
		}
		return cache.UpdateMtime(d)

	case configuration.OperationCalculateCacheSize:
		size, err := cache.CalculateCacheSize()
		if err != nil {
			return err
		}
		log.Print("cache size (bytes): ", size)
		return nil

	case configuration.OperationListRefs:
		keys, err := cache.ListRefs()
		if err != nil {
			return err
		}
		for _, key := range keys {
			log.Print(key)
		}
		return nil

	case configuration.OperationListObjects:
		objects, err := cache.ListObjects()
		if err != nil {
			return err
		}
		for _, object := range objects {
			log.Printf("%s %s %s", object.Hash, object.Mtime.Format(time.RFC3339), object.Path)
		}
		return nil

	case configuration.OperationCleanUpRefsUntil:
		cutoff := time.Now().Add(-time.Duration(c.OlderThanSeconds) * time.Second)
		return cache.CleanUpRefsUntil(cutoff)

	case configuration.OperationRemove:
		bytesFreed, err := cache.Remove(c.Ref, c.DeferPrune)
		if err != nil {
			return err
		}
		log.Print("bytes freed: ", bytesFreed)
		return nil

	case configuration.OperationPrune:
		objectsRemoved, bytesFreed, err := cache.Prune()
		if err != nil {
			return err
		}
		log.Printf("objects removed: %d, bytes freed: %d", objectsRemoved, bytesFreed)
		return nil

	case configuration.OperationAddObject:
		data, err := os.ReadFile(c.DataPath)
		if err != nil {
			return err
		}
		d, err := cache.AddObject(data)
		if err != nil {
			return err
		}
		log.Print("added: ", d.String())
		return nil

	default:
		log.Fatalf("Unknown operation: %s", c.Operation)
		return nil
	}
}

// runPush fans the refs named by c.Refs out across concurrent pushes,
// the same way bb_copy's replicationGroup parallelizes nested-object
// replication across a fixed worker count.
func runPush(ctx context.Context, c *configuration.ApplicationConfiguration, cache *cascache.Cache) error {
	cas, conn, err := dialRemote(c.Remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range c.Refs {
		name := name
		group.Go(func() error {
			results, err := cache.Push(groupCtx, cas, []string{name})
			if err != nil {
				return err
			}
			log.Printf("%s: skipped=%v", name, results[0].Skipped)
			return nil
		})
	}
	return group.Wait()
}
